package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/metrics"
)

// State is the session's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session owns the one physical connection to the remote host and shares
// it among all callers. At most one connect attempt is in flight at any
// time; callers arriving while it runs wait for the same attempt.
type Session struct {
	dialer Dialer
	log    *zap.Logger

	gate singleflight.Group

	mu    sync.RWMutex
	conn  Conn
	state State
}

// NewSession creates a disconnected session. No connection is made until
// the first operation needs one.
func NewSession(dialer Dialer) *Session {
	return &Session{
		dialer: dialer,
		log:    logging.Named("session"),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) current() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// EnsureConnected returns once the session holds a live connection. It is
// idempotent. A failed attempt is reported to the caller that started it
// and to every caller waiting on it, and leaves the session disconnected so
// a later call can try again.
//
// ctx only bounds how long this caller waits. The attempt itself keeps
// running for the benefit of other waiters.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.current() != nil {
		return nil
	}

	ch := s.gate.DoChan("connect", func() (any, error) {
		if s.current() != nil {
			return nil, nil
		}
		return nil, s.connect(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	s.state = Connecting
	s.mu.Unlock()

	start := time.Now()
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		metrics.SetRemoteConnected(false)
		s.log.Error("remote connect failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		var ce *ConnectionError
		if !errors.As(err, &ce) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = &ConnectionError{Err: err}
		}
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = Connected
	s.mu.Unlock()
	metrics.SetRemoteConnected(true)
	s.log.Info("remote session connected", zap.Duration("elapsed", time.Since(start)))

	if dn, ok := conn.(doneNotifier); ok {
		go func() {
			<-dn.Done()
			if s.drop(conn) {
				s.log.Warn("remote connection closed by peer")
			}
		}()
	}
	return nil
}

// drop forgets conn if it is still the current handle.
func (s *Session) drop(conn Conn) bool {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return false
	}
	s.conn = nil
	s.state = Disconnected
	s.mu.Unlock()

	metrics.SetRemoteConnected(false)
	conn.Close()
	return true
}

// Do ensures a connection and runs fn against it. The handle never leaves
// this call. When fn fails because the link died, the handle is dropped so
// the next operation reconnects. Transport errors other than ErrNotFound
// are wrapped in *OpError.
func (s *Session) Do(ctx context.Context, op string, fn func(Conn) error) error {
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}
	conn := s.current()
	if conn == nil {
		// Closed between EnsureConnected and here.
		return &ConnectionError{Err: errors.New("session closed")}
	}

	start := time.Now()
	err := fn(conn)
	metrics.RecordRemoteOperation(op, time.Since(start), err == nil || errors.Is(err, ErrNotFound))

	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	if IsConnectionLost(err) && s.drop(conn) {
		s.log.Warn("remote connection lost", zap.String("op", op), zap.Error(err))
	}
	var opErr *OpError
	if !errors.As(err, &opErr) {
		err = &OpError{Op: op, Err: err}
	}
	return err
}

// Close releases the physical connection if one is held. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = Disconnected
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	metrics.SetRemoteConnected(false)
	s.log.Info("remote session closed")
	return conn.Close()
}
