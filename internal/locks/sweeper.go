package locks

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// Sweeper periodically breaks stale session locks on a cron schedule.
// This is the engine's only background worker.
type Sweeper struct {
	locks    *SessionLocks
	schedule string
}

// NewSweeper validates the cron expression up front.
func NewSweeper(locks *SessionLocks, schedule string) (*Sweeper, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, memerr.E(memerr.KindBadRequest, memerr.CodeInvalidSettings,
			"invalid sweep schedule %q", schedule)
	}
	return &Sweeper{locks: locks, schedule: schedule}, nil
}

// Run blocks until ctx is done, checking once a minute whether the
// schedule is due and sweeping when it is.
func (s *Sweeper) Run(ctx context.Context) {
	g := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := g.IsDue(s.schedule, now)
			if err != nil || !due {
				continue
			}
			if n := s.locks.Sweep(); n > 0 {
				slog.Info("swept stale session locks", "count", n)
			}
		}
	}
}
