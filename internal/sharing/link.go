package sharing

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no link matches, including when a link
	// exists but belongs to another owner.
	ErrNotFound = errors.New("share link not found")

	// ErrTokenTaken is returned by Store.Insert when the token is already
	// in use.
	ErrTokenTaken = errors.New("share token already taken")

	// ErrLimitReached is returned by RecordDownload when the conditional
	// increment matched no row.
	ErrLimitReached = errors.New("share link download limit reached")

	// ErrInvalidOptions is returned by CreateLink for out-of-range options.
	ErrInvalidOptions = errors.New("invalid share options")
)

// ShareLink is one persisted share record.
type ShareLink struct {
	ID             string     `json:"id"`
	Token          string     `json:"token"`
	FilePath       string     `json:"file_path"`
	FileName       string     `json:"file_name"`
	FileSize       int64      `json:"file_size"`
	OwnerID        string     `json:"owner_id"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	PasswordHash   string     `json:"-"`
	MaxDownloads   *int       `json:"max_downloads,omitempty"`
	DownloadCount  int        `json:"download_count"`
	IsActive       bool       `json:"is_active"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// HasPassword reports whether the link is password protected.
func (l *ShareLink) HasPassword() bool { return l.PasswordHash != "" }

// Expired reports whether the link's expiry is at or before now.
func (l *ShareLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Exhausted reports whether the download quota is used up.
func (l *ShareLink) Exhausted() bool {
	return l.MaxDownloads != nil && l.DownloadCount >= *l.MaxDownloads
}

// Reason names why a link failed validation.
type Reason string

const (
	ReasonNotFound         Reason = "not found"
	ReasonDeactivated      Reason = "deactivated"
	ReasonExpired          Reason = "expired"
	ReasonLimitReached     Reason = "limit reached"
	ReasonPasswordRequired Reason = "password required"
	ReasonInvalidPassword  Reason = "invalid password"
)

// Validation is the outcome of Engine.Validate. Link is set when the token
// matched a record, even if the link is not valid.
type Validation struct {
	Valid  bool
	Reason Reason
	Link   *ShareLink
}

func invalid(reason Reason, link *ShareLink) Validation {
	return Validation{Reason: reason, Link: link}
}
