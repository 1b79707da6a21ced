package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	"github.com/transubtil/sharebox/internal/logging"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	IssuerURL  string
	ClientID   string
	AdminClaim string // claim key for admin status (default: "is_admin")
	AdminValue string // claim value that indicates admin (default: "true")
}

// OIDCVerifier checks ID tokens issued by an external provider.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
	config   OIDCConfig
}

// NewOIDCVerifier discovers the provider at cfg.IssuerURL.
// Returns nil if IssuerURL is empty (OIDC disabled).
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*OIDCVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}

	if cfg.AdminClaim == "" {
		cfg.AdminClaim = "is_admin"
	}
	if cfg.AdminValue == "" {
		cfg.AdminValue = "true"
	}

	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID))

	return newOIDCVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), cfg), nil
}

func newOIDCVerifier(v *oidc.IDTokenVerifier, cfg OIDCConfig) *OIDCVerifier {
	return &OIDCVerifier{verifier: v, config: cfg}
}

func (o *OIDCVerifier) Verify(ctx context.Context, tokenStr string) (Principal, error) {
	idToken, err := o.verifier.Verify(ctx, tokenStr)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims struct {
		Sub               string `json:"sub"`
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Principal{}, fmt.Errorf("parse oidc claims: %w", err)
	}

	// preferred_username, then email, then sub
	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = claims.Sub
	}

	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return Principal{}, fmt.Errorf("parse oidc claims: %w", err)
	}
	isAdmin := false
	if val, ok := raw[o.config.AdminClaim]; ok {
		isAdmin = fmt.Sprintf("%v", val) == o.config.AdminValue
	}

	return Principal{
		ID:       claims.Sub,
		Username: username,
		IsAdmin:  isAdmin,
	}, nil
}
