// Package retention sweeps aged result and report artifacts on a cron
// schedule. Task records are never touched; only their on-disk artifacts age
// out.
package retention

import (
	"log/slog"
	"time"

	"github.com/loadbay/loadbay/pkg/artifacts"
	"github.com/robfig/cron/v3"
)

const defaultMaxAge = 7 * 24 * time.Hour

// Sweeper periodically removes result files and report trees older than the
// configured age.
type Sweeper struct {
	store  *artifacts.Store
	maxAge time.Duration
	cron   *cron.Cron
	logger *slog.Logger
}

func NewSweeper(store *artifacts.Store, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	return &Sweeper{
		store:  store,
		maxAge: maxAge,
		cron:   cron.New(),
		logger: logger.With("module", "retention"),
	}
}

// Start schedules the sweep. The spec uses the standard cron format, e.g.
// "0 3 * * *" for a daily 03:00 sweep.
func (s *Sweeper) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.Sweep)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("retention sweeper started", "schedule", spec, "max_age", s.maxAge)

	return nil
}

// Stop halts the schedule; a sweep in flight finishes.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// Sweep removes artifacts older than the configured age. Exported so
// operators can trigger it out of schedule.
func (s *Sweeper) Sweep() {
	cutoff := time.Now().Add(-s.maxAge)

	removed, err := s.store.RemoveOlderThan(cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)

		return
	}

	if removed > 0 {
		s.logger.Info("retention sweep removed aged artifacts", "count", removed, "cutoff", cutoff)
	}
}
