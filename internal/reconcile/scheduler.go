package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs Sweep on a cron schedule, skipping a tick while the
// previous sweep is still running.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler(spec string, s *Sweeper, log *zap.SugaredLogger) (*Scheduler, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.lockTTL)
		defer cancel()
		n, err := s.Sweep(ctx)
		switch {
		case errors.Is(err, ErrLocked):
			log.Debugw("reconcile sweep skipped, lock held elsewhere")
		case err != nil:
			log.Errorw("reconcile sweep failed", "pushed", n, "error", err)
		case n > 0:
			log.Infow("reconcile sweep finished", "pushed", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and returns a context done once a running sweep ends.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
