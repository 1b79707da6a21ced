package sharing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/metrics"
)

const (
	tokenBytes = 16

	// maxTokenAttempts bounds the generate-and-check loop in CreateLink.
	maxTokenAttempts = 16
)

// CreateParams describes the file being shared.
type CreateParams struct {
	FilePath string
	FileName string
	FileSize int64
	OwnerID  string
}

// Options are the optional restrictions on a new link. A nil ExpiresIn
// never expires; zero means already expired.
type Options struct {
	ExpiresIn    *time.Duration
	Password     string
	MaxDownloads *int
}

// Engine issues, validates and retires share links.
type Engine struct {
	store      Store
	bcryptCost int
	now        func() time.Time
	newToken   func() (string, error)
	log        *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) EngineOption {
	return func(e *Engine) { e.bcryptCost = cost }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
		newToken:   GenerateToken,
		log:        logging.Named("sharing"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateToken returns 16 random bytes, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateLink persists a new active link under a fresh, unused token.
func (e *Engine) CreateLink(ctx context.Context, p CreateParams, opts Options) (*ShareLink, error) {
	if opts.ExpiresIn != nil && *opts.ExpiresIn < 0 {
		return nil, fmt.Errorf("%w: expiry must not be negative", ErrInvalidOptions)
	}
	if opts.MaxDownloads != nil && *opts.MaxDownloads < 1 {
		return nil, fmt.Errorf("%w: max downloads must be at least 1", ErrInvalidOptions)
	}

	now := e.now().UTC()
	link := &ShareLink{
		ID:           uuid.NewString(),
		FilePath:     p.FilePath,
		FileName:     p.FileName,
		FileSize:     p.FileSize,
		OwnerID:      p.OwnerID,
		CreatedAt:    now,
		MaxDownloads: opts.MaxDownloads,
		IsActive:     true,
	}
	if opts.ExpiresIn != nil {
		t := now.Add(*opts.ExpiresIn)
		link.ExpiresAt = &t
	}
	if opts.Password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(opts.Password), e.bcryptCost)
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return nil, fmt.Errorf("%w: password must be at most 72 bytes", ErrInvalidOptions)
		}
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		link.PasswordHash = string(hashed)
	}

	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		token, err := e.newToken()
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		exists, err := e.store.TokenExists(ctx, token)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		link.Token = token
		created, err := e.store.Insert(ctx, link)
		if errors.Is(err, ErrTokenTaken) {
			// Lost a race with a concurrent create.
			continue
		}
		if err != nil {
			return nil, err
		}

		e.log.Info("share link created",
			zap.String("id", created.ID),
			zap.String("path", created.FilePath),
			zap.String("owner", created.OwnerID))
		e.updateActiveCount(ctx)
		return created, nil
	}
	return nil, fmt.Errorf("no unused token after %d attempts", maxTokenAttempts)
}

// Validate checks token and password. Rule outcomes are reported through
// Validation; the error is reserved for store failures.
func (e *Engine) Validate(ctx context.Context, token, password string) (Validation, error) {
	v, err := e.validate(ctx, token, password)
	if err != nil {
		return Validation{}, err
	}
	if v.Valid {
		metrics.RecordShareValidation("valid")
	} else {
		metrics.RecordShareValidation(string(v.Reason))
	}
	return v, nil
}

func (e *Engine) validate(ctx context.Context, token, password string) (Validation, error) {
	link, err := e.store.GetByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return invalid(ReasonNotFound, nil), nil
	}
	if err != nil {
		return Validation{}, err
	}

	switch {
	case !link.IsActive:
		return invalid(ReasonDeactivated, link), nil
	case link.Expired(e.now()):
		return invalid(ReasonExpired, link), nil
	case link.Exhausted():
		return invalid(ReasonLimitReached, link), nil
	}

	if link.HasPassword() {
		if password == "" {
			return invalid(ReasonPasswordRequired, link), nil
		}
		if err := bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)); err != nil {
			return invalid(ReasonInvalidPassword, link), nil
		}
	}
	return Validation{Valid: true, Link: link}, nil
}

// RecordDownload counts one download against the link's quota. It returns
// ErrLimitReached when the quota was used up concurrently or the link was
// deactivated after validation.
func (e *Engine) RecordDownload(ctx context.Context, token string) error {
	ok, err := e.store.IncrementDownloads(ctx, token, e.now())
	if err != nil {
		return err
	}
	if !ok {
		metrics.RecordShareValidation(string(ReasonLimitReached))
		return ErrLimitReached
	}
	metrics.RecordShareDownload()
	return nil
}

// Touch records an access that did not consume a download.
func (e *Engine) Touch(ctx context.Context, token string) error {
	now := e.now().UTC()
	return e.store.UpdateByToken(ctx, token, LinkUpdate{LastAccessedAt: &now})
}

// ListByOwner returns the owner's links, newest first.
func (e *Engine) ListByOwner(ctx context.Context, owner string) ([]ShareLink, error) {
	return e.store.ListByOwner(ctx, owner)
}

// Deactivate disables a link owned by owner. Links of other owners report
// ErrNotFound.
func (e *Engine) Deactivate(ctx context.Context, id, owner string) error {
	if err := e.store.SetActive(ctx, id, owner, false); err != nil {
		return err
	}
	e.log.Info("share link deactivated", zap.String("id", id), zap.String("owner", owner))
	e.updateActiveCount(ctx)
	return nil
}

// Delete removes a link owned by owner.
func (e *Engine) Delete(ctx context.Context, id, owner string) error {
	if err := e.store.Delete(ctx, id, owner); err != nil {
		return err
	}
	e.log.Info("share link deleted", zap.String("id", id), zap.String("owner", owner))
	e.updateActiveCount(ctx)
	return nil
}

// SweepExpired removes every link whose expiry has passed and returns how
// many were removed.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	removed, err := e.store.DeleteExpired(ctx, e.now())
	if err != nil {
		return 0, err
	}
	for _, l := range removed {
		e.log.Debug("expired share link removed",
			zap.String("id", l.ID),
			zap.String("path", l.FilePath))
	}
	metrics.RecordSweep(len(removed))
	if len(removed) > 0 {
		e.updateActiveCount(ctx)
	}
	return len(removed), nil
}

func (e *Engine) updateActiveCount(ctx context.Context) {
	n, err := e.store.CountActive(ctx)
	if err != nil {
		e.log.Warn("count active share links", zap.Error(err))
		return
	}
	metrics.SetShareLinksActive(n)
}
