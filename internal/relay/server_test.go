package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"go-relay/internal/blob"
	"go-relay/internal/client"
	"go-relay/internal/protocol"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type savedText struct {
	sender, receiver int64
	content          string
}

type savedBlob struct {
	sender  int64
	kind    blob.Kind
	name    string
	content []byte
}

type stubStore struct {
	mu        sync.Mutex
	nextID    int64
	users     []string
	texts     []savedText
	blobs     []savedBlob
	createErr error
	failSaves int
	blobErr   error
}

func (s *stubStore) CreateUser(_ context.Context, remoteAddr, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return 0, s.createErr
	}
	s.nextID++
	s.users = append(s.users, remoteAddr)
	return s.nextID, nil
}

func (s *stubStore) SaveTextMessage(_ context.Context, senderID, receiverID int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return errors.New("store unavailable")
	}
	s.texts = append(s.texts, savedText{senderID, receiverID, content})
	return nil
}

func (s *stubStore) PersistBlob(_ context.Context, senderID int64, kind blob.Kind, name string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobErr != nil {
		return "", s.blobErr
	}
	s.blobs = append(s.blobs, savedBlob{senderID, kind, name, append([]byte(nil), content...)})
	return fmt.Sprintf("files/%d", len(s.blobs)), nil
}

func (s *stubStore) snapshot() (users []string, texts []savedText, blobs []savedBlob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.users...), append([]savedText(nil), s.texts...), append([]savedBlob(nil), s.blobs...)
}

type stubAuth struct{}

func (stubAuth) Verify(username, password string) bool {
	return username == "user" && password == "password"
}

func (stubAuth) PasswordHash() string { return "hash" }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func startServer(t *testing.T, opts Options, store Store) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := NewServer(opts, store, stubAuth{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return srv, ln.Addr().String()
}

func authOpts() Options {
	return Options{AuthRequired: true, Wire: protocol.Options{Framing: protocol.FramingLength}}
}

func dial(t *testing.T, addr string, wire protocol.Options) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, addr, wire)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_ = c.Conn().SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

func login(t *testing.T, c *client.Client) {
	t.Helper()
	ok, err := c.Login("user", "password")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !ok {
		t.Fatal("Login rejected valid credentials")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// expectClosed asserts the server has closed its side of c.
func expectClosed(t *testing.T, c *client.Client) {
	t.Helper()
	_ = c.Conn().SetReadDeadline(time.Now().Add(5 * time.Second))
	m, err := c.Receive()
	if err == nil {
		t.Fatalf("received %s, want closed connection", m.Kind())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open after deadline")
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestLoginSuccessPersistsText(t *testing.T) {
	store := &stubStore{}
	_, addr := startServer(t, authOpts(), store)
	c := dial(t, addr, protocol.Options{})

	login(t, c)
	if err := c.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	waitFor(t, "text to be saved", func() bool {
		_, texts, _ := store.snapshot()
		return len(texts) == 1
	})
	users, texts, _ := store.snapshot()
	if len(users) != 1 || users[0] != c.Conn().LocalAddr().String() {
		t.Fatalf("users = %v, want the client's address", users)
	}
	if texts[0] != (savedText{sender: 1, receiver: 1, content: "hello"}) {
		t.Fatalf("text = %+v", texts[0])
	}
}

func TestLoginFailureSendsQuitAndCloses(t *testing.T) {
	store := &stubStore{}
	_, addr := startServer(t, authOpts(), store)
	c := dial(t, addr, protocol.Options{})

	if err := c.Send(protocol.Login{Username: "user", Password: "wrong"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	first, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if first != (protocol.LoginResponse{Success: false}) {
		t.Fatalf("first reply = %#v, want LoginResponse(false)", first)
	}
	second, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if second != (protocol.Quit{}) {
		t.Fatalf("second reply = %#v, want Quit", second)
	}
	expectClosed(t, c)

	_ = c.SendText("sneaky")
	time.Sleep(100 * time.Millisecond)
	users, texts, _ := store.snapshot()
	if len(users) != 0 || len(texts) != 0 {
		t.Fatalf("users = %v texts = %v after failed login", users, texts)
	}
}

func TestClientLoginReportsRejection(t *testing.T) {
	_, addr := startServer(t, authOpts(), &stubStore{})
	c := dial(t, addr, protocol.Options{})
	ok, err := c.Login("admin", "password")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if ok {
		t.Fatal("Login accepted a wrong username")
	}
}

func TestQuitEndsHandler(t *testing.T) {
	srv, addr := startServer(t, authOpts(), &stubStore{})
	c := dial(t, addr, protocol.Options{})
	login(t, c)
	waitFor(t, "session to start", func() bool { return srv.ActiveSessions() == 1 })

	if err := c.Send(protocol.Quit{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "handler to exit", func() bool { return srv.ActiveSessions() == 0 })
	expectClosed(t, c)
}

func TestQuitBeforeLogin(t *testing.T) {
	store := &stubStore{}
	srv, addr := startServer(t, authOpts(), store)
	c := dial(t, addr, protocol.Options{})
	if err := c.Send(protocol.Quit{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	expectClosed(t, c)
	waitFor(t, "handler to exit", func() bool { return srv.ActiveSessions() == 0 })
	if users, _, _ := store.snapshot(); len(users) != 0 {
		t.Fatalf("users = %v", users)
	}
}

func TestFileAndImageDispatch(t *testing.T) {
	store := &stubStore{}
	_, addr := startServer(t, authOpts(), store)
	c := dial(t, addr, protocol.Options{})
	login(t, c)

	if err := c.SendFile("report.txt", []byte("hello")); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if err := c.SendImage("rust.png", []byte{0x89, 'P', 'N', 'G'}); err != nil {
		t.Fatalf("SendImage: %v", err)
	}

	waitFor(t, "blobs", func() bool {
		_, _, blobs := store.snapshot()
		return len(blobs) == 2
	})
	_, _, blobs := store.snapshot()
	if blobs[0].kind != blob.KindFile || blobs[0].name != "report.txt" || !bytes.Equal(blobs[0].content, []byte("hello")) {
		t.Fatalf("file blob = %+v", blobs[0])
	}
	if blobs[1].kind != blob.KindImage || blobs[1].name != "rust.png" || blobs[1].sender != 1 {
		t.Fatalf("image blob = %+v", blobs[1])
	}
}

func TestMessagesOutOfStateAreIgnored(t *testing.T) {
	store := &stubStore{}
	_, addr := startServer(t, authOpts(), store)
	c := dial(t, addr, protocol.Options{})

	// Before login: dropped, connection stays in Authenticating.
	if err := c.SendText("too early"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := c.Send(protocol.LoginResponse{Success: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	login(t, c)

	// While active: a second Login and a LoginResponse are no-ops.
	if err := c.Send(protocol.Login{Username: "user", Password: "password"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(protocol.LoginResponse{Success: false}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.SendText("on time"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	waitFor(t, "text", func() bool {
		_, texts, _ := store.snapshot()
		return len(texts) == 1
	})
	users, texts, _ := store.snapshot()
	if len(users) != 1 {
		t.Fatalf("users = %v, want exactly one session user", users)
	}
	if texts[0].content != "on time" {
		t.Fatalf("texts = %+v", texts)
	}
}

func TestDecodeFailureKeepsConnection(t *testing.T) {
	store := &stubStore{}
	_, addr := startServer(t, authOpts(), store)
	c := dial(t, addr, protocol.Options{})
	login(t, c)

	if err := c.SendRaw([]byte{0xff, 0xfe, 0x00}); err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	if err := c.SendText("after garbage"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "text after garbage", func() bool {
		_, texts, _ := store.snapshot()
		return len(texts) == 1 && texts[0].content == "after garbage"
	})
}

func TestRepeatedDecodeFailuresClose(t *testing.T) {
	opts := authOpts()
	opts.MaxDecodeFailures = 2
	srv, addr := startServer(t, opts, &stubStore{})
	c := dial(t, addr, protocol.Options{})
	login(t, c)

	for i := 0; i < 2; i++ {
		if err := c.SendRaw([]byte("not cbor")); err != nil {
			t.Fatalf("SendRaw: %v", err)
		}
	}
	expectClosed(t, c)
	waitFor(t, "handler to exit", func() bool { return srv.ActiveSessions() == 0 })
}

func TestCreateUserFailureAbortsConnection(t *testing.T) {
	store := &stubStore{createErr: errors.New("constraint violation")}
	_, addr := startServer(t, authOpts(), store)
	c := dial(t, addr, protocol.Options{})

	if err := c.Send(protocol.Login{Username: "user", Password: "password"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	expectClosed(t, c)
}

func TestStoreErrorKeepsConnection(t *testing.T) {
	store := &stubStore{failSaves: 1}
	_, addr := startServer(t, authOpts(), store)
	c := dial(t, addr, protocol.Options{})
	login(t, c)

	_ = c.SendText("lost")
	_ = c.SendText("kept")
	waitFor(t, "second text", func() bool {
		_, texts, _ := store.snapshot()
		return len(texts) == 1
	})
	if _, texts, _ := store.snapshot(); texts[0].content != "kept" {
		t.Fatalf("texts = %+v", texts)
	}
}

func TestBlobErrorKeepsConnection(t *testing.T) {
	store := &stubStore{blobErr: blob.ErrWrite}
	_, addr := startServer(t, authOpts(), store)
	c := dial(t, addr, protocol.Options{})
	login(t, c)

	_ = c.SendFile("a.txt", []byte("x"))
	_ = c.SendText("still connected")
	waitFor(t, "text after blob failure", func() bool {
		_, texts, _ := store.snapshot()
		return len(texts) == 1
	})
}

func TestAuthDisabledStartsActive(t *testing.T) {
	store := &stubStore{}
	opts := authOpts()
	opts.AuthRequired = false
	_, addr := startServer(t, opts, store)
	c := dial(t, addr, protocol.Options{})

	if err := c.SendText("no login needed"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "text", func() bool {
		_, texts, _ := store.snapshot()
		return len(texts) == 1
	})
	if users, _, _ := store.snapshot(); len(users) != 1 {
		t.Fatalf("users = %v", users)
	}
}

func TestConcurrentClientsGetIndependentIDs(t *testing.T) {
	store := &stubStore{}
	_, addr := startServer(t, authOpts(), store)

	clients := []*client.Client{dial(t, addr, protocol.Options{}), dial(t, addr, protocol.Options{})}
	var wg sync.WaitGroup
	for i, c := range clients {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := c.Login("user", "password"); err != nil || !ok {
				t.Errorf("client %d login = %v, %v", i, ok, err)
				return
			}
			for j := 0; j < 5; j++ {
				if err := c.SendText(fmt.Sprintf("client-%d", i)); err != nil {
					t.Errorf("client %d SendText: %v", i, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	waitFor(t, "all texts", func() bool {
		_, texts, _ := store.snapshot()
		return len(texts) == 10
	})
	_, texts, _ := store.snapshot()
	senderOf := map[string]int64{}
	for _, text := range texts {
		if prev, ok := senderOf[text.content]; ok && prev != text.sender {
			t.Fatalf("%s attributed to senders %d and %d", text.content, prev, text.sender)
		}
		senderOf[text.content] = text.sender
	}
	if len(senderOf) != 2 || senderOf["client-0"] == senderOf["client-1"] {
		t.Fatalf("senders = %v, want two distinct ids", senderOf)
	}
}

func TestLengthFramingCarriesLargeBlob(t *testing.T) {
	store := &stubStore{}
	_, addr := startServer(t, authOpts(), store)
	c := dial(t, addr, protocol.Options{})
	login(t, c)

	content := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB
	if err := c.SendFile("big.bin", content); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	waitFor(t, "large blob", func() bool {
		_, _, blobs := store.snapshot()
		return len(blobs) == 1
	})
	if _, _, blobs := store.snapshot(); !bytes.Equal(blobs[0].content, content) {
		t.Fatalf("blob of %d bytes corrupted", len(blobs[0].content))
	}
}

// With raw framing a message bigger than the read buffer never decodes.
// It is dropped and the connection carries on.
func TestRawFramingDropsOversizedMessage(t *testing.T) {
	store := &stubStore{}
	opts := authOpts()
	opts.Wire = protocol.Options{Framing: protocol.FramingRaw}
	_, addr := startServer(t, opts, store)
	raw := protocol.Options{Framing: protocol.FramingRaw}
	c := dial(t, addr, raw)
	login(t, c)

	if err := c.SendFile("big.txt", bytes.Repeat([]byte("z"), protocol.DefaultReadBufferSize+4096)); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := c.SendText("small"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	waitFor(t, "text after oversized message", func() bool {
		_, texts, _ := store.snapshot()
		return len(texts) == 1
	})
	if _, _, blobs := store.snapshot(); len(blobs) != 0 {
		t.Fatalf("oversized message was stored: %d blobs", len(blobs))
	}
}

func TestRawFramingLoginFailure(t *testing.T) {
	opts := authOpts()
	opts.Wire = protocol.Options{Framing: protocol.FramingRaw}
	_, addr := startServer(t, opts, &stubStore{})
	c := dial(t, addr, protocol.Options{Framing: protocol.FramingRaw})

	ok, err := c.Login("user", "nope")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if ok {
		t.Fatal("Login accepted a wrong password")
	}
	expectClosed(t, c)
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	opts := authOpts()
	opts.IdleTimeout = 100 * time.Millisecond
	srv, addr := startServer(t, opts, &stubStore{})
	c := dial(t, addr, protocol.Options{})
	login(t, c)

	expectClosed(t, c)
	waitFor(t, "handler to exit", func() bool { return srv.ActiveSessions() == 0 })
}

func TestShutdownClosesLiveConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := NewServer(authOpts(), &stubStore{}, stubAuth{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c := dial(t, ln.Addr().String(), protocol.Options{})
	login(t, c)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	expectClosed(t, c)
	if n := srv.ActiveSessions(); n != 0 {
		t.Fatalf("ActiveSessions = %d after shutdown", n)
	}
}

func TestListenAndServeBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer taken.Close()

	srv := NewServer(authOpts(), &stubStore{}, stubAuth{}, zerolog.Nop())
	err = srv.ListenAndServe(context.Background(), taken.Addr().String())
	if !errors.Is(err, ErrBind) {
		t.Fatalf("ListenAndServe = %v, want ErrBind", err)
	}
}

type temporaryError struct{}

func (temporaryError) Error() string   { return "too many open files" }
func (temporaryError) Temporary() bool { return true }
func (temporaryError) Timeout() bool   { return false }

// flakyListener fails every Accept with a temporary error. On the
// cancelAt-th call it schedules cancel shortly after, so the cancel lands
// while Serve is backing off.
type flakyListener struct {
	mu          sync.Mutex
	calls       int
	cancelAt    int
	cancel      context.CancelFunc
	cancelledAt time.Time
	closed      bool
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, net.ErrClosed
	}
	l.calls++
	if l.calls == l.cancelAt {
		time.AfterFunc(50*time.Millisecond, func() {
			l.mu.Lock()
			l.cancelledAt = time.Now()
			l.mu.Unlock()
			l.cancel()
		})
	}
	return nil, temporaryError{}
}

func (l *flakyListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestServeBackoffStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// By the eighth failure the backoff is 640ms.
	ln := &flakyListener{cancelAt: 8, cancel: cancel}
	srv := NewServer(authOpts(), &stubStore{}, stubAuth{}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}

	ln.mu.Lock()
	cancelledAt := ln.cancelledAt
	ln.mu.Unlock()
	if cancelledAt.IsZero() {
		t.Fatal("Serve returned before cancel")
	}
	if lag := time.Since(cancelledAt); lag > 300*time.Millisecond {
		t.Fatalf("Serve returned %v after cancel, backoff ignored the context", lag)
	}
}
