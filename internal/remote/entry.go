package remote

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
)

// Kind distinguishes files from directories.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// FileEntry is transport-agnostic file metadata. Entries are built fresh
// for every listing or stat; the remote host is authoritative.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Kind    Kind      `json:"kind"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
	Mode    string    `json:"mode,omitempty"`
	Owner   string    `json:"owner,omitempty"`
	Group   string    `json:"group,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (e FileEntry) IsDir() bool { return e.Kind == KindDirectory }

// EntryFromInfo converts transport file info into a FileEntry reported at
// path (relative to the caller's area root).
func EntryFromInfo(info os.FileInfo, path string) FileEntry {
	e := FileEntry{
		Name:    info.Name(),
		Path:    path,
		Kind:    KindFile,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
		Mode:    info.Mode().String(),
	}
	if info.IsDir() {
		e.Kind = KindDirectory
		e.Size = 0
	}
	if st, ok := info.Sys().(*sftp.FileStat); ok {
		e.Owner = strconv.FormatUint(uint64(st.UID), 10)
		e.Group = strconv.FormatUint(uint64(st.GID), 10)
	}
	return e
}
