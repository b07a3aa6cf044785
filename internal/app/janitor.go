package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultSweepInterval = 5 * time.Minute

// Janitor periodically sweeps stale rooms out of a Directory.
type Janitor struct {
	Directory *Directory
	Interval  time.Duration
	MaxAge    time.Duration
}

// Run blocks until ctx is done. A non-positive Interval falls back to DefaultSweepInterval.
func (j *Janitor) Run(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Str("module", "app.janitor").Dur("interval", interval).Dur("max_age", j.MaxAge).Msg("janitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.janitor").Msg("janitor stopped")
			return
		case <-ticker.C:
			if n := j.Directory.SweepStale(j.MaxAge); n > 0 {
				log.Info().Str("module", "app.janitor").Int("removed", n).Msg("swept stale rooms")
			}
		}
	}
}
