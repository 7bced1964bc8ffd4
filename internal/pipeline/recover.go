package pipeline

import (
	"fmt"
	"log"
	"time"

	"github.com/obrennan/clinicast/internal/models"
)

// Recover sweeps runs whose worker no longer exists: any run still marked
// running whose heartbeat is older than the staleness threshold. The run is
// failed and the session is left failed at its recorded stage, so a later
// Start resumes from there. Returns the number of runs recovered.
//
// Called once at boot and periodically from the retention scheduler.
func (r *Runner) Recover() (int, error) {
	cutoff := time.Now().Add(-r.cfg.StaleAfter)
	stale, err := r.store.StaleRuns(cutoff)
	if err != nil {
		return 0, fmt.Errorf("pipeline: recover: %w", err)
	}

	recovered := 0
	for _, run := range stale {
		// A run we are still driving in this process is not dead, just slow.
		r.mu.Lock()
		_, live := r.cancels[run.SessionID]
		r.mu.Unlock()
		if live {
			continue
		}

		_, err := r.store.Update(run.SessionID, func(ses *models.Session) error {
			target := findRun(ses, run.ID)
			if target == nil || target.Status != models.RunRunning {
				return nil
			}
			now := time.Now()
			target.Status = models.RunFailed
			target.CompletedAt = &now
			target.ErrorMessage = "worker lost: heartbeat stale"
			if ses.Status == models.StatusRunning {
				ses.Status = models.StatusFailed
				ses.ErrorKind = "worker_lost"
				ses.ErrorMessage = "processing worker disappeared; restart to resume"
			}
			return nil
		})
		if err != nil {
			log.Printf("pipeline: recover run %s: %v", run.ID, err)
			continue
		}
		recovered++
	}
	return recovered, nil
}
