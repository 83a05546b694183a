package oauth

import (
	"context"
	"time"

	"github.com/jake-scott/devicehub/internal/pkg/credstore"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

const (
	DefaultSweepInterval = time.Hour

	// Refresh tokens usually outlive access tokens by weeks, so a record is
	// only swept once its access token has been dead this long.
	DefaultSweepGrace = 30 * 24 * time.Hour
)

// Sweeper periodically marks long-expired credentials inactive
type Sweeper struct {
	Store    credstore.Lister
	Interval time.Duration
	Grace    time.Duration
}

// SweepOnce runs a single pass
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	grace := s.Grace
	if grace <= 0 {
		grace = DefaultSweepGrace
	}
	return credstore.Sweep(ctx, s.Store, time.Now().Add(-grace))
}

// Run sweeps until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	log := logging.Component(ctx, "sweeper")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := s.SweepOnce(ctx); err != nil {
			log.WithError(err).Warn("credential sweep failed")
		} else if n > 0 {
			log.Infof("credential sweep deactivated %d records", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
