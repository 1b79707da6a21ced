// Package remote manages the single shared connection to the remote file
// host and exposes it as a small file-transfer capability.
package remote

import (
	"context"
	"io"
	"os"
)

// Conn is one physical connection to the remote host. Paths are absolute
// remote paths; callers sandbox them first. Missing paths surface as
// ErrNotFound.
type Conn interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Get(path string, w io.Writer) (int64, error)
	Put(r io.Reader, path string) (int64, error)
	Remove(path string) error
	RemoveAll(path string) error
	MkdirAll(path string) error
	Rename(oldPath, newPath string) error
	Close() error
}

// Dialer establishes a new physical connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// doneNotifier is implemented by connections that can report their own
// death (keep-alive failure, server hang-up).
type doneNotifier interface {
	Done() <-chan struct{}
}
