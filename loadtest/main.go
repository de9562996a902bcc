package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"go-relay/internal/client"
	"go-relay/internal/logger"
	"go-relay/internal/protocol"
)

type settings struct {
	addr      string
	framing   string
	users     int
	messages  int
	username  string
	password  string
	interval  time.Duration
	fileBytes int
}

type result struct {
	connected atomic.Int64
	loggedIn  atomic.Int64
	sent      atomic.Int64
	failed    atomic.Int64
}

func main() {
	var s settings
	flags := pflag.NewFlagSet("relay-loadtest", pflag.ContinueOnError)
	flags.StringVar(&s.addr, "addr", "127.0.0.1:11111", "relay server address")
	flags.StringVar(&s.framing, "framing", string(protocol.FramingLength), "wire framing: length or raw")
	flags.IntVarP(&s.users, "users", "u", 100, "concurrent clients")
	flags.IntVarP(&s.messages, "messages", "m", 20, "text messages per client")
	flags.StringVar(&s.username, "username", "user", "login username")
	flags.StringVar(&s.password, "password", "password", "login password")
	flags.DurationVar(&s.interval, "interval", 10*time.Millisecond, "pause between messages")
	flags.IntVar(&s.fileBytes, "file-bytes", 0, "also send one File of this size per client")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	log := logger.Init(logger.Options{Pretty: true, Service: "relay-loadtest"})
	log.Info().Int("users", s.users).Int("messages", s.messages).Msg("starting load test")

	start := time.Now()
	res := runLoad(context.Background(), s, log)
	log.Info().
		Int64("connected", res.connected.Load()).
		Int64("logged_in", res.loggedIn.Load()).
		Int64("sent", res.sent.Load()).
		Int64("failed", res.failed.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("load test complete")
	if res.failed.Load() > 0 {
		os.Exit(1)
	}
}

func runLoad(ctx context.Context, s settings, log zerolog.Logger) *result {
	var (
		wg  sync.WaitGroup
		res result
	)
	for i := 0; i < s.users; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			if err := runClient(ctx, s, clientID, &res); err != nil {
				res.failed.Add(1)
				log.Warn().Err(err).Int("client", clientID).Msg("client failed")
			}
		}(i)
	}
	wg.Wait()
	return &res
}

func runClient(ctx context.Context, s settings, clientID int, res *result) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.Dial(dialCtx, s.addr, protocol.Options{Framing: protocol.Framing(s.framing)})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()
	res.connected.Add(1)

	ok, err := c.Login(s.username, s.password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !ok {
		return errors.New("login rejected")
	}
	res.loggedIn.Add(1)

	for i := 0; i < s.messages; i++ {
		if err := c.SendText(fmt.Sprintf("load test message %d from client %d", i, clientID)); err != nil {
			return fmt.Errorf("send text %d: %w", i, err)
		}
		res.sent.Add(1)
		if s.interval > 0 {
			time.Sleep(s.interval)
		}
	}
	if s.fileBytes > 0 {
		if err := c.SendFile(fmt.Sprintf("load-%d.bin", clientID), make([]byte, s.fileBytes)); err != nil {
			return fmt.Errorf("send file: %w", err)
		}
		res.sent.Add(1)
	}
	return c.Quit()
}
