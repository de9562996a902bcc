// relay-client is an interactive sender: it logs in, then turns each line
// of stdin into a Text, File or Image message.
//
//	.file <name>   send assets/files/<name>
//	.image <name>  send assets/images/<name> (must be a PNG)
//	.quit          end the session
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"go-relay/internal/client"
	"go-relay/internal/logger"
	"go-relay/internal/protocol"
)

const retryInterval = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr      string
		assetsDir string
		framing   string
		logLevel  string
	)
	flags := pflag.NewFlagSet("relay-client", pflag.ContinueOnError)
	flags.StringVar(&addr, "addr", "127.0.0.1:11111", "relay server address")
	flags.StringVar(&assetsDir, "assets", "assets", "directory holding files/ and images/")
	flags.StringVar(&framing, "framing", string(protocol.FramingLength), "wire framing: length or raw")
	flags.StringVar(&logLevel, "log-level", "info", "trace, debug, info, warn or error")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	log := logger.Init(logger.Options{Level: logLevel, Pretty: true, Service: "relay-client"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := dialWithRetry(ctx, addr, protocol.Options{Framing: protocol.Framing(framing)}, log)
	if err != nil {
		return err
	}
	defer c.Close()
	log.Info().Str("addr", addr).Msg("connected to server")

	input := bufio.NewReader(os.Stdin)
	ok, err := login(c, input, os.Stdout)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "Login failed. Exiting...")
		return nil
	}
	fmt.Println("Login successful!")

	return session(c, input, os.Stdout, assetsDir, log)
}

// dialWithRetry keeps trying until the server accepts or ctx ends.
func dialWithRetry(ctx context.Context, addr string, opts protocol.Options, log zerolog.Logger) (*client.Client, error) {
	for {
		c, err := client.Dial(ctx, addr, opts)
		if err == nil {
			return c, nil
		}
		log.Warn().Err(err).Dur("retry_in", retryInterval).Msg("cannot reach server")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func login(c *client.Client, in *bufio.Reader, out io.Writer) (bool, error) {
	fmt.Fprintln(out, "Enter your username:")
	username, err := readLine(in)
	if err != nil {
		return false, err
	}
	fmt.Fprintln(out, "Enter your password:")
	password, err := readLine(in)
	if err != nil {
		return false, err
	}
	return c.Login(username, password)
}

func session(c *client.Client, in *bufio.Reader, out io.Writer, assetsDir string, log zerolog.Logger) error {
	for {
		fmt.Fprintln(out, "Enter a message (or type '.quit' to exit):")
		line, err := readLine(in)
		if errors.Is(err, io.EOF) {
			return c.Quit()
		}
		if err != nil {
			return err
		}

		msg, err := parseLine(line, assetsDir)
		if err != nil {
			fmt.Fprintf(out, "%v\n", err)
			continue
		}
		if _, quit := msg.(protocol.Quit); quit {
			log.Info().Msg("quit message sent, connection ended")
			return c.Quit()
		}
		if err := c.Send(msg); err != nil {
			return fmt.Errorf("send %s: %w", msg.Kind(), err)
		}
		log.Debug().Str("kind", msg.Kind()).Msg("sent")
	}
}

// parseLine maps one line of input to the message it asks for.
func parseLine(line, assetsDir string) (protocol.Message, error) {
	trimmed := strings.TrimSpace(line)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return protocol.Text{Body: line}, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(trimmed, fields[0]))
	switch fields[0] {
	case ".quit":
		if name == "" {
			return protocol.Quit{}, nil
		}
	case ".file":
		return loadFile(assetsDir, name)
	case ".image":
		return loadImage(assetsDir, name)
	}
	return protocol.Text{Body: line}, nil
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
