package remote_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/remote"
	"github.com/transubtil/sharebox/internal/remote/remotetest"
)

func init() {
	logging.InitNop()
}

// stubConn is a Conn whose operations all succeed trivially.
type stubConn struct {
	closed atomic.Bool
}

func (c *stubConn) ReadDir(string) ([]os.FileInfo, error) { return nil, nil }
func (c *stubConn) Stat(string) (os.FileInfo, error) { return nil, remote.ErrNotFound }
func (c *stubConn) Get(string, io.Writer) (int64, error) { return 0, nil }
func (c *stubConn) Put(io.Reader, string) (int64, error) { return 0, nil }
func (c *stubConn) Remove(string) error { return nil }
func (c *stubConn) RemoveAll(string) error { return nil }
func (c *stubConn) MkdirAll(string) error { return nil }
func (c *stubConn) Rename(string, string) error { return nil }
func (c *stubConn) Close() error { c.closed.Store(true); return nil }

func TestEnsureConnectedSingleAttempt(t *testing.T) {
	var dials atomic.Int32
	release := make(chan struct{})
	dialer := remote.DialerFunc(func(ctx context.Context) (remote.Conn, error) {
		dials.Add(1)
		<-release
		return &stubConn{}, nil
	})
	s := remote.NewSession(dialer)

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureConnected(context.Background())
		}()
	}

	// Give every caller time to reach the gate.
	time.Sleep(50 * time.Millisecond)
	if s.State() != remote.Connecting {
		t.Errorf("state = %s, want connecting", s.State())
	}
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureConnected: %v", err)
		}
	}
	if n := dials.Load(); n != 1 {
		t.Errorf("expected exactly 1 physical connect, got %d", n)
	}
	if s.State() != remote.Connected {
		t.Errorf("state = %s, want connected", s.State())
	}

	// Already connected: no further dial.
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := dials.Load(); n != 1 {
		t.Errorf("reconnected while connected: %d dials", n)
	}
}

func TestEnsureConnectedFailureResets(t *testing.T) {
	var dials atomic.Int32
	fail := errors.New("host unreachable")
	release := make(chan struct{})
	dialer := remote.DialerFunc(func(ctx context.Context) (remote.Conn, error) {
		if dials.Add(1) == 1 {
			<-release
			return nil, fail
		}
		return &stubConn{}, nil
	})
	s := remote.NewSession(dialer)

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureConnected(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		var ce *remote.ConnectionError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConnectionError for every waiter, got %v", err)
		}
		if !errors.Is(err, fail) {
			t.Errorf("expected wrapped cause, got %v", err)
		}
	}
	if s.State() != remote.Disconnected {
		t.Fatalf("state = %s, want disconnected", s.State())
	}

	// A later call retries.
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if n := dials.Load(); n != 2 {
		t.Errorf("expected 2 dials, got %d", n)
	}
}

func TestEnsureConnectedCallerTimeout(t *testing.T) {
	release := make(chan struct{})
	dialer := remote.DialerFunc(func(ctx context.Context) (remote.Conn, error) {
		<-release
		return &stubConn{}, nil
	})
	s := remote.NewSession(dialer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.EnsureConnected(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The attempt carries on without the caller.
	close(release)
	deadline := time.Now().Add(time.Second)
	for s.State() != remote.Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != remote.Connected {
		t.Errorf("state = %s, want connected", s.State())
	}
}

func TestCloseIdempotent(t *testing.T) {
	conn := &stubConn{}
	s := remote.NewSession(remote.DialerFunc(func(context.Context) (remote.Conn, error) {
		return conn, nil
	}))

	if err := s.Close(); err != nil {
		t.Fatalf("close before connect: %v", err)
	}
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !conn.closed.Load() {
		t.Error("connection was not closed")
	}
	if s.State() != remote.Disconnected {
		t.Errorf("state = %s, want disconnected", s.State())
	}
}

func TestDoDropsLostConnection(t *testing.T) {
	var dials atomic.Int32
	s := remote.NewSession(remote.DialerFunc(func(context.Context) (remote.Conn, error) {
		dials.Add(1)
		return &stubConn{}, nil
	}))

	err := s.Do(context.Background(), "list", func(remote.Conn) error { return io.EOF })
	var opErr *remote.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OpError, got %v", err)
	}
	if s.State() != remote.Disconnected {
		t.Fatalf("state = %s, want disconnected after lost link", s.State())
	}

	if err := s.Do(context.Background(), "list", func(remote.Conn) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if n := dials.Load(); n != 2 {
		t.Errorf("expected reconnect, got %d dials", n)
	}
}

func TestDoPassesNotFound(t *testing.T) {
	s := remote.NewSession(remote.DialerFunc(func(context.Context) (remote.Conn, error) {
		return &stubConn{}, nil
	}))
	err := s.Do(context.Background(), "stat", func(c remote.Conn) error {
		_, err := c.Stat("/missing")
		return err
	})
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var opErr *remote.OpError
	if errors.As(err, &opErr) {
		t.Error("not-found should not be wrapped as a transport error")
	}
	if s.State() != remote.Connected {
		t.Errorf("state = %s, want connected", s.State())
	}
}

func TestSessionOverSFTP(t *testing.T) {
	srv := remotetest.NewServer()
	s := remote.NewSession(srv)
	defer s.Close()
	ctx := context.Background()

	err := s.Do(ctx, "put", func(c remote.Conn) error {
		if err := c.MkdirAll("/a/b"); err != nil {
			return err
		}
		_, err := c.Put(bytes.NewReader([]byte("hello")), "/a/b/hello.txt")
		return err
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	var buf bytes.Buffer
	err = s.Do(ctx, "get", func(c remote.Conn) error {
		_, err := c.Get("/a/b/hello.txt", &buf)
		return err
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if buf.String() != "hello" {
		t.Errorf("got %q, want hello", buf.String())
	}

	err = s.Do(ctx, "stat", func(c remote.Conn) error {
		_, err := c.Stat("/nope")
		return err
	})
	if !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if srv.Dials() != 1 {
		t.Errorf("expected one session for all operations, got %d", srv.Dials())
	}
}

func TestSessionReconnectsAfterServerHangup(t *testing.T) {
	srv := remotetest.NewServer()
	s := remote.NewSession(srv)
	defer s.Close()
	ctx := context.Background()

	if err := s.EnsureConnected(ctx); err != nil {
		t.Fatal(err)
	}
	srv.Kill()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != remote.Disconnected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != remote.Disconnected {
		t.Fatalf("state = %s, want disconnected after hang-up", s.State())
	}

	err := s.Do(ctx, "mkdir", func(c remote.Conn) error { return c.MkdirAll("/again") })
	if err != nil {
		t.Fatalf("operation after reconnect: %v", err)
	}
	if srv.Dials() != 2 {
		t.Errorf("expected 2 dials, got %d", srv.Dials())
	}
}
