// Package remotetest provides an in-memory SFTP host for tests. Every Dial
// opens a fresh SFTP session over io.Pipe against the same in-memory
// filesystem, so reconnects observe earlier writes.
package remotetest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"

	"github.com/transubtil/sharebox/internal/remote"
)

// Server is an in-memory SFTP host that implements remote.Dialer.
type Server struct {
	handlers sftp.Handlers
	dials    atomic.Int32

	mu      sync.Mutex
	servers []*sftp.RequestServer
}

// NewServer creates an empty in-memory host.
func NewServer() *Server {
	return &Server{handlers: sftp.InMemHandler()}
}

type pipeRWC struct {
	*io.PipeReader
	*io.PipeWriter
}

func (p pipeRWC) Close() error {
	p.PipeReader.Close()
	return p.PipeWriter.Close()
}

// open starts a request server over a fresh pipe pair and returns a raw
// client connected to it.
func (s *Server) open() (*sftp.Client, error) {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	srv := sftp.NewRequestServer(pipeRWC{PipeReader: c2sR, PipeWriter: s2cW}, s.handlers)
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
	go func() {
		// Serve returns once the client hangs up; closing the server side
		// of the pipe lets the client's receive loop exit too.
		srv.Serve()
		srv.Close()
	}()

	client, err := sftp.NewClientPipe(s2cR, c2sW)
	if err != nil {
		srv.Close()
		return nil, err
	}
	return client, nil
}

// Dial opens a new client session.
func (s *Server) Dial(ctx context.Context) (remote.Conn, error) {
	s.dials.Add(1)
	client, err := s.open()
	if err != nil {
		return nil, err
	}
	return remote.NewSFTPConn(client, nil, 0), nil
}

// Symlink creates newname pointing at oldname on the host. Both are
// absolute host paths.
func (s *Server) Symlink(oldname, newname string) error {
	client, err := s.open()
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Symlink(oldname, newname)
}

// Dials returns how many sessions were opened.
func (s *Server) Dials() int {
	return int(s.dials.Load())
}

// Kill tears down every open session from the server side.
func (s *Server) Kill() {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()
	for _, srv := range servers {
		srv.Close()
	}
}
