// Package retention runs the periodic maintenance sweeps: deleting
// sessions past their expiry and recovering runs whose worker died.
package retention

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/obrennan/clinicast/internal/pipeline"
	"github.com/obrennan/clinicast/internal/store"
	"github.com/robfig/cron/v3"
)

// Sweeper owns the cron schedule for retention and recovery.
type Sweeper struct {
	store  *store.Store
	runner *pipeline.Runner
	every  time.Duration
	cron   *cron.Cron
	out    io.Writer
}

// New builds a Sweeper that fires every interval.
func New(st *store.Store, runner *pipeline.Runner, every time.Duration, out io.Writer) *Sweeper {
	if out == nil {
		out = io.Discard
	}
	return &Sweeper{store: st, runner: runner, every: every, out: out}
}

// Start schedules the sweep and runs it until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.every), func() {
		if err := s.Sweep(); err != nil {
			log.Printf("retention: sweep: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("retention: schedule sweep: %w", err)
	}

	s.cron.Start()
	fmt.Fprintf(s.out, "Retention sweep scheduled every %s\n", s.every)

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	return nil
}

// Sweep runs one pass: recover stale runs first so a dead worker's
// session is not deleted while nominally running, then delete expired
// sessions and their blobs.
func (s *Sweeper) Sweep() error {
	if s.runner != nil {
		recovered, err := s.runner.Recover()
		if err != nil {
			return err
		}
		if recovered > 0 {
			log.Printf("retention: recovered %d stale runs", recovered)
		}
	}

	expired, err := s.store.ListExpired(time.Now())
	if err != nil {
		return err
	}
	for _, id := range expired {
		if err := s.store.Delete(id); err != nil {
			log.Printf("retention: delete expired session %s: %v", id, err)
			continue
		}
	}
	if len(expired) > 0 {
		log.Printf("retention: deleted %d expired sessions", len(expired))
	}
	return nil
}
