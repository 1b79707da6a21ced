package sharing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/transubtil/sharebox/internal/logging"
)

// Sweeper runs Engine.SweepExpired on a fixed interval.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	log      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. A non-positive interval disables it.
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{
		engine:   engine,
		interval: interval,
		log:      logging.Named("sweeper"),
	}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info("expired link sweep disabled")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sweep(ctx)
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.log.Info("expired link sweep enabled", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.engine.SweepExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("sweep expired share links", zap.Error(err))
		}
		return
	}
	if n > 0 {
		s.log.Info("swept expired share links", zap.Int("removed", n))
	}
}
