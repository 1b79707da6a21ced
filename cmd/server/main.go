// Sharebox Server
//
// Features:
// - Admin file management on a remote SFTP host over one shared session
// - Category uploads with size and content-type policy and a per-user
//   active-submission quota
// - Public share links with expiry, password and download quota
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/transubtil/sharebox/internal/api"
	"github.com/transubtil/sharebox/internal/auth"
	"github.com/transubtil/sharebox/internal/catalog"
	"github.com/transubtil/sharebox/internal/config"
	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/metrics"
	"github.com/transubtil/sharebox/internal/quota"
	"github.com/transubtil/sharebox/internal/remote"
	"github.com/transubtil/sharebox/internal/retry"
	"github.com/transubtil/sharebox/internal/sharing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("sharebox server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("remote", cfg.Remote.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Record store
	logging.Info("opening database...", zap.String("driver", cfg.DatabaseDriver))
	db, err := sharing.OpenDB(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := sharing.Migrate(ctx, db); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}
	if err := quota.Migrate(ctx, db); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}

	// Identity
	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		logging.Fatal("auth init failed", zap.Error(err))
	}

	// Remote session; connects lazily on first use.
	dialer, err := newDialer(cfg.Remote)
	if err != nil {
		logging.Fatal("sftp dialer init failed", zap.Error(err))
	}
	session := remote.NewSession(dialer)
	defer session.Close()

	catOpts := catalog.Options{
		SearchMaxDepth: cfg.SearchMaxDepth,
		SearchWorkers:  cfg.SearchWorkers,
	}
	adminArea := catalog.New(session, cfg.AdminRoot, catOpts)
	uploadsArea := catalog.New(session, cfg.UploadsRoot, catOpts)

	// Share links
	engine := sharing.NewEngine(sharing.NewSQLStore(db), sharing.WithBcryptCost(cfg.BcryptCost))
	sweeper := sharing.NewSweeper(engine, cfg.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	srv := api.NewServer(api.Deps{
		Session:         session,
		Admin:           adminArea,
		Uploads:         uploadsArea,
		Shares:          engine,
		Submissions:     quota.NewStore(db, cfg.MaxActiveSubmissions),
		DB:              db,
		Verifier:        verifier,
		Categories:      cfg.Categories,
		PublicURLPrefix: cfg.PublicURLPrefix,
		ShareBaseURL:    cfg.ShareBaseURL,
	})

	// Start metrics server
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logging.Fatal("listen", zap.String("addr", cfg.ListenAddr), zap.Error(err))
	}
	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := serve(ctx, httpServer, ln, metricsServer, 30*time.Second); err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

// serve runs httpServer on ln until ctx is cancelled, then shuts it down
// gracefully. It returns only after in-flight requests have drained (or
// drain elapsed), so the caller's deferred cleanup never races them.
func serve(ctx context.Context, httpServer *http.Server, ln net.Listener, metricsServer *http.Server, drain time.Duration) error {
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown", zap.Error(err))
		}
		if metricsServer != nil {
			metricsServer.Close()
		}
	}()

	if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	return nil
}

// buildVerifier chains the configured identity sources: local JWTs first,
// then OIDC.
func buildVerifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	var chain auth.Chain
	if v := auth.NewJWTVerifier(cfg.JWTSecret); v != nil {
		chain = append(chain, v)
	}

	oidcVerifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
		IssuerURL:  cfg.OIDCIssuerURL,
		ClientID:   cfg.OIDCClientID,
		AdminClaim: cfg.OIDCAdminClaim,
		AdminValue: cfg.OIDCAdminValue,
	})
	if err != nil {
		return nil, err
	}
	if oidcVerifier != nil {
		chain = append(chain, oidcVerifier)
	}
	return chain, nil
}

func newDialer(rc config.RemoteConfig) (*remote.SFTPDialer, error) {
	var key []byte
	if rc.KeyFile != "" {
		var err error
		key, err = os.ReadFile(rc.KeyFile)
		if err != nil {
			return nil, err
		}
	}

	if rc.KnownHostsFile == "" {
		logging.Warn("SFTP_KNOWN_HOSTS not set, host key is not verified")
	}

	return remote.NewSFTPDialer(remote.SFTPConfig{
		Addr:           rc.Addr(),
		User:           rc.User,
		Password:       rc.Password,
		PrivateKey:     key,
		KnownHostsFile: rc.KnownHostsFile,
		ConnectTimeout: rc.ConnectTimeout,
		Retry: retry.Policy{
			Attempts: rc.RetryAttempts,
			MinDelay: rc.RetryMinDelay,
			MaxDelay: rc.RetryMaxDelay,
			Factor:   rc.RetryFactor,
			Jitter:   0.1,
		},
		KeepAlive: rc.KeepAliveInterval,
	})
}
