// Package catalog implements the file operations exposed to callers on top
// of the shared remote session. A Catalog is bound to one sandbox root; the
// server runs one per storage area.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"go.uber.org/zap"

	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/remote"
	"github.com/transubtil/sharebox/internal/sandbox"
)

// Options tunes a Catalog.
type Options struct {
	SearchMaxDepth int // directories deeper than this are not descended
	SearchWorkers  int // concurrent directory listings during Search
}

// Catalog performs sandboxed file operations against the remote host.
type Catalog struct {
	session *remote.Session
	root    string
	opts    Options
	log     *zap.Logger
}

// New creates a catalog rooted at root.
func New(session *remote.Session, root string, opts Options) *Catalog {
	if opts.SearchMaxDepth <= 0 {
		opts.SearchMaxDepth = 32
	}
	if opts.SearchWorkers <= 0 {
		opts.SearchWorkers = 4
	}
	root = path.Clean("/" + root)
	return &Catalog{
		session: session,
		root:    root,
		opts:    opts,
		log:     logging.Named("catalog").With(zap.String("root", root)),
	}
}

// Root returns the absolute remote root of this catalog.
func (c *Catalog) Root() string { return c.root }

func (c *Catalog) resolve(p string) (string, error) {
	return sandbox.Resolve(c.root, p)
}

// resolveChild is resolve for operations that must not target the root.
func (c *Catalog) resolveChild(p string) (string, error) {
	abs, err := c.resolve(p)
	if err != nil {
		return "", err
	}
	if abs == c.root {
		return "", fmt.Errorf("%w: operation not allowed on area root", sandbox.ErrPathViolation)
	}
	return abs, nil
}

func (c *Catalog) entry(info os.FileInfo, abs string) remote.FileEntry {
	e := remote.EntryFromInfo(info, sandbox.Rel(c.root, abs))
	e.Name = path.Base(abs)
	return e
}

// List returns the contents of a directory, directories first, then by
// name.
func (c *Catalog) List(ctx context.Context, p string) ([]remote.FileEntry, error) {
	abs, err := c.resolve(p)
	if err != nil {
		return nil, err
	}

	var infos []os.FileInfo
	err = c.session.Do(ctx, "list", func(conn remote.Conn) error {
		var err error
		infos, err = conn.ReadDir(abs)
		return err
	})
	if err != nil {
		return nil, err
	}

	entries := make([]remote.FileEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, c.entry(fi, path.Join(abs, fi.Name())))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Stat returns metadata for a single path.
func (c *Catalog) Stat(ctx context.Context, p string) (remote.FileEntry, error) {
	abs, err := c.resolve(p)
	if err != nil {
		return remote.FileEntry{}, err
	}
	var info os.FileInfo
	err = c.session.Do(ctx, "stat", func(conn remote.Conn) error {
		var err error
		info, err = conn.Stat(abs)
		return err
	})
	if err != nil {
		return remote.FileEntry{}, err
	}
	return c.entry(info, abs), nil
}

// Exists reports whether p exists. Any error counts as "does not exist".
func (c *Catalog) Exists(ctx context.Context, p string) bool {
	_, err := c.Stat(ctx, p)
	return err == nil
}

// Upload writes r to p, creating missing parent directories and replacing
// any existing file. The returned entry is read back from the remote.
func (c *Catalog) Upload(ctx context.Context, r io.Reader, p string) (remote.FileEntry, error) {
	abs, err := c.resolveChild(p)
	if err != nil {
		return remote.FileEntry{}, err
	}

	var info os.FileInfo
	var written int64
	err = c.session.Do(ctx, "upload", func(conn remote.Conn) error {
		if err := conn.MkdirAll(path.Dir(abs)); err != nil {
			return err
		}
		var err error
		if written, err = conn.Put(r, abs); err != nil {
			return err
		}
		info, err = conn.Stat(abs)
		return err
	})
	if err != nil {
		return remote.FileEntry{}, err
	}

	c.log.Info("file uploaded", zap.String("path", abs), zap.Int64("bytes", written))
	return c.entry(info, abs), nil
}

// Download returns the full contents of the file at p.
func (c *Catalog) Download(ctx context.Context, p string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.CopyTo(ctx, p, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CopyTo streams the file at p into w and returns the bytes copied.
func (c *Catalog) CopyTo(ctx context.Context, p string, w io.Writer) (int64, error) {
	abs, err := c.resolve(p)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.session.Do(ctx, "download", func(conn remote.Conn) error {
		var err error
		n, err = conn.Get(abs, w)
		return err
	})
	return n, err
}

// Delete removes a file, or a directory with everything below it.
func (c *Catalog) Delete(ctx context.Context, p string) error {
	abs, err := c.resolveChild(p)
	if err != nil {
		return err
	}

	var wasDir bool
	err = c.session.Do(ctx, "delete", func(conn remote.Conn) error {
		info, err := conn.Stat(abs)
		if err != nil {
			return err
		}
		if info.IsDir() {
			wasDir = true
			return conn.RemoveAll(abs)
		}
		return conn.Remove(abs)
	})
	if err != nil {
		return err
	}

	c.log.Info("path deleted", zap.String("path", abs), zap.Bool("directory", wasDir))
	return nil
}

// Move renames oldPath to newPath, creating newPath's parents first. The
// two steps are not atomic: after a crash the destination directory may
// exist while the source has not moved. Repeating the call completes it.
func (c *Catalog) Move(ctx context.Context, oldPath, newPath string) error {
	from, err := c.resolveChild(oldPath)
	if err != nil {
		return err
	}
	to, err := c.resolveChild(newPath)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}

	err = c.session.Do(ctx, "move", func(conn remote.Conn) error {
		if err := conn.MkdirAll(path.Dir(to)); err != nil {
			return err
		}
		return conn.Rename(from, to)
	})
	if err != nil {
		return err
	}

	c.log.Info("path moved", zap.String("from", from), zap.String("to", to))
	return nil
}

// CreateDirectory creates p and any missing parents. An existing directory
// is not an error.
func (c *Catalog) CreateDirectory(ctx context.Context, p string) (remote.FileEntry, error) {
	abs, err := c.resolve(p)
	if err != nil {
		return remote.FileEntry{}, err
	}

	var info os.FileInfo
	err = c.session.Do(ctx, "mkdir", func(conn remote.Conn) error {
		if err := conn.MkdirAll(abs); err != nil {
			return err
		}
		var err error
		info, err = conn.Stat(abs)
		return err
	})
	if err != nil {
		return remote.FileEntry{}, err
	}
	return c.entry(info, abs), nil
}
