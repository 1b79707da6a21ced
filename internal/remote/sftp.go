package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/metrics"
	"github.com/transubtil/sharebox/internal/retry"
)

// SFTPConfig holds connection settings for the SFTP dialer.
type SFTPConfig struct {
	Addr           string
	User           string
	Password       string
	PrivateKey     []byte // PEM; optional when Password is set
	KnownHostsFile string // empty disables host key checking
	ConnectTimeout time.Duration
	Retry          retry.Policy
	KeepAlive      time.Duration // 0 disables the keep-alive pings
}

// SFTPDialer opens SFTP sessions over SSH.
type SFTPDialer struct {
	cfg    SFTPConfig
	sshCfg *ssh.ClientConfig
	log    *zap.Logger
}

// NewSFTPDialer validates cfg and prepares the SSH client configuration.
func NewSFTPDialer(cfg SFTPConfig) (*SFTPDialer, error) {
	var methods []ssh.AuthMethod
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("sftp: password or private key required")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	return &SFTPDialer{
		cfg: cfg,
		sshCfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            methods,
			HostKeyCallback: hostKey,
			Timeout:         cfg.ConnectTimeout,
		},
		log: logging.Named("sftp"),
	}, nil
}

// Dial connects, retrying transient failures according to the retry
// policy. Authentication and host key failures are not retried.
func (d *SFTPDialer) Dial(ctx context.Context) (Conn, error) {
	return retry.Do(ctx, d.cfg.Retry, func(attempt int) (Conn, error) {
		conn, err := d.dialOnce(ctx)
		metrics.RecordRemoteConnect(err == nil)
		if err != nil && isPermanentDialError(err) {
			return nil, retry.Permanent(err)
		}
		return conn, err
	}, func(attempt int, err error, wait time.Duration) {
		d.log.Warn("sftp connect failed, retrying",
			zap.String("addr", d.cfg.Addr),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

func (d *SFTPDialer) dialOnce(ctx context.Context) (Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	netConn, err := nd.DialContext(ctx, "tcp", d.cfg.Addr)
	if err != nil {
		return nil, &ConnectionError{Addr: d.cfg.Addr, Err: err}
	}

	// The handshake has no context; bound it with a deadline instead.
	if d.cfg.ConnectTimeout > 0 {
		netConn.SetDeadline(time.Now().Add(d.cfg.ConnectTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, d.cfg.Addr, d.sshCfg)
	if err != nil {
		netConn.Close()
		return nil, &ConnectionError{Addr: d.cfg.Addr, Err: err}
	}
	netConn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, &ConnectionError{Addr: d.cfg.Addr, Err: fmt.Errorf("start sftp subsystem: %w", err)}
	}

	d.log.Info("sftp connected", zap.String("addr", d.cfg.Addr), zap.String("user", d.cfg.User))
	return NewSFTPConn(client, sshClient, d.cfg.KeepAlive), nil
}

func isPermanentDialError(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

// SFTPConn implements Conn over a pkg/sftp client.
type SFTPConn struct {
	client    *sftp.Client
	ssh       *ssh.Client // nil when the client runs over a plain pipe
	transport io.Closer   // closed before the client on shutdown
	done      chan struct{}
	closeOnce sync.Once
	stop      chan struct{}
}

// NewSFTPConn wraps an established client. When sshClient is non-nil and
// keepAlive is positive, a goroutine sends keepalive@openssh.com requests and
// tears the connection down when one fails.
func NewSFTPConn(client *sftp.Client, sshClient *ssh.Client, keepAlive time.Duration) *SFTPConn {
	c := &SFTPConn{
		client: client,
		ssh:    sshClient,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	if sshClient != nil {
		c.transport = sshClient
	}
	go func() {
		client.Wait()
		close(c.done)
	}()
	if sshClient != nil && keepAlive > 0 {
		go c.keepAlive(keepAlive)
	}
	return c
}

func (c *SFTPConn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.ssh.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				logging.Warn("sftp keep-alive failed, dropping connection", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}

// Done is closed once the underlying connection has shut down.
func (c *SFTPConn) Done() <-chan struct{} { return c.done }

func mapErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, p, ErrNotFound)
	}
	return &OpError{Op: op, Path: p, Err: err}
}

// ReadDir lists a directory. Symlinks are reported as such, not followed.
func (c *SFTPConn) ReadDir(p string) ([]os.FileInfo, error) {
	infos, err := c.client.ReadDir(p)
	if err != nil {
		return nil, mapErr("readdir", p, err)
	}
	out := infos[:0]
	for _, fi := range infos {
		if n := fi.Name(); n == "." || n == ".." {
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}

// Stat returns file info for p.
func (c *SFTPConn) Stat(p string) (os.FileInfo, error) {
	fi, err := c.client.Stat(p)
	return fi, mapErr("stat", p, err)
}

// Get streams the file at p into w.
func (c *SFTPConn) Get(p string, w io.Writer) (int64, error) {
	f, err := c.client.Open(p)
	if err != nil {
		return 0, mapErr("open", p, err)
	}
	defer f.Close()
	n, err := f.WriteTo(w)
	return n, mapErr("read", p, err)
}

// Put writes r to p, replacing any existing file.
func (c *SFTPConn) Put(r io.Reader, p string) (int64, error) {
	f, err := c.client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, mapErr("create", p, err)
	}
	n, err := f.ReadFrom(r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, mapErr("write", p, err)
}

// Remove deletes a single file or empty directory.
func (c *SFTPConn) Remove(p string) error {
	return mapErr("remove", p, c.client.Remove(p))
}

// RemoveAll deletes p and everything below it. Symlinks are removed, never
// descended into.
func (c *SFTPConn) RemoveAll(p string) error {
	fi, err := c.client.Lstat(p)
	if err != nil {
		return mapErr("lstat", p, err)
	}
	if !fi.IsDir() {
		return c.Remove(p)
	}
	children, err := c.ReadDir(p)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.RemoveAll(path.Join(p, child.Name())); err != nil {
			return err
		}
	}
	return mapErr("rmdir", p, c.client.RemoveDirectory(p))
}

// MkdirAll creates p and any missing parents.
func (c *SFTPConn) MkdirAll(p string) error {
	return mapErr("mkdir", p, c.client.MkdirAll(p))
}

// Rename moves oldPath to newPath.
func (c *SFTPConn) Rename(oldPath, newPath string) error {
	err := c.client.Rename(oldPath, newPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		// Plain SSH_FXP_RENAME refuses to overwrite; prefer the
		// posix extension when the server offers it.
		if _, ok := c.client.HasExtension("posix-rename@openssh.com"); ok {
			err = c.client.PosixRename(oldPath, newPath)
		}
	}
	return mapErr("rename", oldPath, err)
}

// Close shuts the connection down. The transport goes first so that a
// peer that stopped answering cannot stall the client's shutdown. It is
// safe to call more than once.
func (c *SFTPConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		if c.transport != nil {
			if terr := c.transport.Close(); terr != nil && !errors.Is(terr, net.ErrClosed) && !errors.Is(terr, io.EOF) {
				err = terr
			}
			// The client only reports the severed transport now.
			c.client.Close()
			return
		}
		err = c.client.Close()
	})
	return err
}
