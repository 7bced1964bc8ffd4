// Package pipeline implements the session processing state machine: one
// detached worker goroutine per run walks the stage adapters in order,
// persisting artifacts and transitions through the session store after
// every stage.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/obrennan/clinicast/internal/config"
	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/stage"
	"github.com/obrennan/clinicast/internal/store"
)

// Sentinel errors for state-machine misuse. Neither has side effects on
// the session.
var (
	ErrPreconditionFailed = errors.New("session not ready for processing")
	ErrConflictingRun     = errors.New("session already has a run in flight")
)

// Runner drives sessions through the processing stages. Up to
// MaxConcurrent sessions process at once, further starts queue for a
// worker slot; within one session the stages are strictly sequential.
type Runner struct {
	store    *store.Store
	adapters map[string]stage.Adapter
	cfg      config.PipelineConfig

	baseCtx context.Context
	stop    context.CancelFunc
	slots   chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Runner over the given adapters, keyed by the stage each
// adapter serves.
func New(st *store.Store, cfg config.PipelineConfig, adapters ...stage.Adapter) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 5 * time.Minute
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 10 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}

	byStage := make(map[string]stage.Adapter, len(adapters))
	for _, a := range adapters {
		byStage[a.Name()] = a
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Runner{
		store:    st,
		adapters: byStage,
		cfg:      cfg,
		baseCtx:  baseCtx,
		stop:     stop,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start validates the session, records a new ProcessingRun and launches
// the worker goroutine. It returns immediately; progress is observed by
// polling the status projection.
//
// Start is valid from the intake stage with at least one audio material,
// and from a failed session, which resumes at the stage that failed
// without re-running completed stages.
func (r *Runner) Start(sessionID string) (*models.ProcessingRun, error) {
	var run *models.ProcessingRun

	_, err := r.store.Update(sessionID, func(ses *models.Session) error {
		if ses.ActiveRun() != nil || ses.Status == models.StatusRunning {
			return fmt.Errorf("pipeline: session %s is %s: %w", ses.ID, ses.Status, ErrConflictingRun)
		}

		var startStage string
		switch {
		case ses.Stage == models.StageIntake && ses.Status == models.StatusPending:
			startStage = models.StageExtracting
		case ses.Status == models.StatusFailed:
			startStage = ses.Stage
		default:
			return fmt.Errorf("pipeline: session %s in stage %s status %s: %w",
				ses.ID, ses.Stage, ses.Status, ErrPreconditionFailed)
		}

		if ses.AudioMaterial() == nil {
			return fmt.Errorf("pipeline: session %s has no audio material: %w", ses.ID, ErrPreconditionFailed)
		}
		if _, err := store.ValidateConfig(sessionConfig(ses)); err != nil {
			return err
		}

		now := time.Now()
		newRun := models.ProcessingRun{
			ID:            uuid.NewString(),
			SessionID:     ses.ID,
			Status:        models.RunRunning,
			Stage:         startStage,
			StartedAt:     now,
			LastHeartbeat: now,
		}
		ses.Runs = append(ses.Runs, newRun)
		ses.Stage = startStage
		ses.Status = models.StatusRunning
		ses.ErrorKind = ""
		ses.ErrorMessage = ""
		run = &newRun
		return nil
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(r.baseCtx)
	r.mu.Lock()
	r.cancels[sessionID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.work(runCtx, sessionID, run.ID)

	return run, nil
}

// Cancel requests cooperative cancellation of the session's in-flight run.
// The in-flight adapter call receives the cancellation signal; if it does
// not support it, its result is discarded at the next stage boundary.
// Sessions without a run (still in intake) move to cancelled directly.
func (r *Runner) Cancel(sessionID string) error {
	_, err := r.store.Update(sessionID, func(ses *models.Session) error {
		if models.IsTerminalStatus(ses.Status) {
			return fmt.Errorf("pipeline: session %s already %s: %w", ses.ID, ses.Status, ErrPreconditionFailed)
		}
		ses.Status = models.StatusCancelled
		finishActiveRun(ses, models.RunCancelled, "cancelled by caller")
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	cancel := r.cancels[sessionID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Close stops all workers and waits for them to observe cancellation.
func (r *Runner) Close() {
	r.stop()
	r.wg.Wait()
}

// work is the detached worker for one run. It owns the run exclusively
// until the run terminates.
func (r *Runner) work(ctx context.Context, sessionID, runID string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, sessionID)
		r.mu.Unlock()
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeat(hbCtx, runID)

	// Wait for a worker slot. The heartbeat is already running, so a
	// queued run is never mistaken for a lost one.
	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-ctx.Done():
		r.finish(sessionID, runID, models.RunCancelled, "", "cancelled")
		return
	}

	for {
		if ctx.Err() != nil {
			r.finish(sessionID, runID, models.RunCancelled, "", "cancelled")
			return
		}

		ses, err := r.store.Get(sessionID)
		if err != nil {
			log.Printf("pipeline: worker %s: load session: %v", runID, err)
			return
		}
		if ses.Status != models.StatusRunning {
			// Cancelled (or otherwise finished) behind our back.
			return
		}
		if ses.Stage == models.StageComplete {
			r.finish(sessionID, runID, models.RunSucceeded, "", "")
			return
		}

		adapter, ok := r.adapters[ses.Stage]
		if !ok {
			r.finish(sessionID, runID, models.RunFailed, "fatal",
				fmt.Sprintf("no adapter for stage %s", ses.Stage))
			return
		}

		out, err := r.invoke(ctx, adapter, ses)
		if ctx.Err() != nil {
			// Result of an abandoned call is discarded.
			r.finish(sessionID, runID, models.RunCancelled, "", "cancelled")
			return
		}
		if err != nil {
			if !r.retry(ctx, sessionID, runID, ses, err) {
				return
			}
			continue
		}

		if err := r.advance(sessionID, runID, ses.Stage, out); err != nil {
			log.Printf("pipeline: worker %s: advance from %s: %v", runID, ses.Stage, err)
			return
		}
	}
}

// invoke runs one adapter call under the stage timeout.
func (r *Runner) invoke(ctx context.Context, adapter stage.Adapter, ses *models.Session) (*stage.Output, error) {
	stageCtx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
	defer cancel()

	in := stage.Input{
		SessionID: ses.ID,
		Materials: ses.Materials,
		Artifacts: artifactRefs(ses),
		Config:    sessionStageConfig(ses),
	}
	return adapter.Run(stageCtx, in)
}

// retry handles a failed adapter call. It returns true when the worker
// should try the stage again, false when the run has been terminated.
func (r *Runner) retry(ctx context.Context, sessionID, runID string, ses *models.Session, stageErr error) bool {
	attempt := 0
	if run := findRun(ses, runID); run != nil {
		attempt = run.Attempt
	}

	if stage.IsRetryable(stageErr) && attempt+1 < r.cfg.MaxAttempts {
		_, err := r.store.Update(sessionID, func(s *models.Session) error {
			if run := findRun(s, runID); run != nil {
				run.Attempt++
			}
			return nil
		})
		if err != nil {
			log.Printf("pipeline: worker %s: record attempt: %v", runID, err)
			return false
		}

		delay := r.cfg.BackoffBase << attempt
		log.Printf("pipeline: session %s stage %s attempt %d failed, retrying in %s: %v",
			sessionID, ses.Stage, attempt+1, delay, stageErr)
		select {
		case <-ctx.Done():
			r.finish(sessionID, runID, models.RunCancelled, "", "cancelled")
			return false
		case <-time.After(delay):
			return true
		}
	}

	kind := string(stage.Classify(stageErr))
	r.finish(sessionID, runID, models.RunFailed, kind, stageErr.Error())
	return false
}

// advance persists the stage artifact and moves the session to the next
// stage in one atomic update, resetting the retry count.
func (r *Runner) advance(sessionID, runID, fromStage string, out *stage.Output) error {
	_, err := r.store.Update(sessionID, func(ses *models.Session) error {
		if ses.Status != models.StatusRunning || ses.Stage != fromStage {
			// Discard the result; the session moved on without us.
			return nil
		}

		meta, err := json.Marshal(out.Meta)
		if err != nil {
			return fmt.Errorf("pipeline: marshal artifact meta: %w", err)
		}
		ses.Artifacts = append(ses.Artifacts, models.Artifact{
			SessionID: ses.ID,
			Stage:     fromStage,
			Ref:       out.Ref,
			MediaType: out.MediaType,
			SizeBytes: out.SizeBytes,
			Meta:      string(meta),
		})

		next := models.NextStage(fromStage)
		ses.Stage = next
		if run := findRun(ses, runID); run != nil {
			run.Attempt = 0
			run.Stage = next
		}
		return nil
	})
	return err
}

// finish folds the run's terminal state back into the session. It is
// idempotent: a run already terminated is left untouched.
func (r *Runner) finish(sessionID, runID, runStatus, errKind, errMsg string) {
	_, err := r.store.Update(sessionID, func(ses *models.Session) error {
		run := findRun(ses, runID)
		if run == nil || run.Status != models.RunRunning {
			return nil
		}
		now := time.Now()
		run.Status = runStatus
		run.CompletedAt = &now
		run.ErrorMessage = errMsg

		switch runStatus {
		case models.RunSucceeded:
			ses.Status = models.StatusSucceeded
		case models.RunFailed:
			ses.Status = models.StatusFailed
			ses.ErrorKind = errKind
			ses.ErrorMessage = errMsg
		case models.RunCancelled:
			ses.Status = models.StatusCancelled
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("pipeline: finish run %s: %v", runID, err)
	}
}

// heartbeat periodically bumps the run's liveness timestamp so the
// recovery sweep can tell a live worker from a dead one.
func (r *Runner) heartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(r.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Heartbeat(runID); err != nil {
				return
			}
		}
	}
}

func findRun(ses *models.Session, runID string) *models.ProcessingRun {
	for i := range ses.Runs {
		if ses.Runs[i].ID == runID {
			return &ses.Runs[i]
		}
	}
	return nil
}

func finishActiveRun(ses *models.Session, status, errMsg string) {
	for i := range ses.Runs {
		if ses.Runs[i].Status == models.RunRunning {
			now := time.Now()
			ses.Runs[i].Status = status
			ses.Runs[i].CompletedAt = &now
			ses.Runs[i].ErrorMessage = errMsg
		}
	}
}

func artifactRefs(ses *models.Session) map[string]string {
	refs := make(map[string]string, len(ses.Artifacts))
	for _, a := range ses.Artifacts {
		refs[a.Stage] = a.Ref
	}
	return refs
}

// sessionConfig rebuilds the store-level configuration from the persisted
// columns, for re-validation at start.
func sessionConfig(ses *models.Session) store.SessionConfig {
	return store.SessionConfig{
		SummaryMinutes: ses.SummaryMinutes,
		VoiceStyle:     ses.VoiceStyle,
		SummaryStyle:   ses.SummaryStyle,
		FocusAreas:     decodeList(ses.FocusAreas),
		CustomTerms:    decodeMap(ses.CustomTerms),
	}
}

// sessionStageConfig is the adapter-facing view of the same configuration.
func sessionStageConfig(ses *models.Session) stage.Config {
	return stage.Config{
		SummaryMinutes: ses.SummaryMinutes,
		VoiceStyle:     ses.VoiceStyle,
		SummaryStyle:   ses.SummaryStyle,
		FocusAreas:     decodeList(ses.FocusAreas),
		CustomTerms:    decodeMap(ses.CustomTerms),
	}
}

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
