package remote

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/pkg/sftp"
)

// ErrNotFound is returned when a remote path does not exist.
var ErrNotFound = errors.New("remote path not found")

// ConnectionError reports a failure to establish the physical connection:
// the host is unreachable, authentication was rejected or the dial timed out.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OpError reports a transport failure during a file operation.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsConnectionLost reports whether err means the physical connection is
// gone and must be re-established.
func IsConnectionLost(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, sftp.ErrSSHFxNoConnection) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
