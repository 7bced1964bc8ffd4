// Package status computes a read-only progress snapshot of a session for
// external polling. The projection is built from one consistent store read
// and has no side effects.
package status

import (
	"time"

	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/store"
)

// processingStages is the projection's view of the pipeline, in order.
var processingStages = []string{
	models.StageExtracting,
	models.StageSummarizing,
	models.StageScripting,
	models.StageSynthesizing,
}

// stepText maps each stage to the human-readable progress line shown to
// clients.
var stepText = map[string]string{
	models.StageIntake:       "Waiting for source materials",
	models.StageExtracting:   "Extracting and transcribing content",
	models.StageSummarizing:  "Generating clinical summary",
	models.StageScripting:    "Writing podcast script",
	models.StageSynthesizing: "Synthesizing audio",
	models.StageComplete:     "Completed",
}

// StageStatus is one row of the per-stage completion table.
type StageStatus struct {
	Name        string `json:"name"`
	Done        bool   `json:"done"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
}

// Snapshot is the externally visible progress view of a session.
type Snapshot struct {
	SessionID       string        `json:"session_id"`
	Stage           string        `json:"stage"`
	Status          string        `json:"status"`
	Progress        int           `json:"progress"`
	CurrentStep     string        `json:"current_step"`
	Stages          []StageStatus `json:"stages"`
	RemainingStages int           `json:"remaining_stages"`
	ErrorKind       string        `json:"error_kind,omitempty"`
	ErrorMessage    string        `json:"error,omitempty"`
	TaskID          string        `json:"task_id,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	Revision        int           `json:"revision"`
}

// Project builds the snapshot for a session. Store.Get performs one
// transactional read, so the snapshot never spans two updates.
func Project(st *store.Store, sessionID string) (*Snapshot, error) {
	ses, err := st.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return FromSession(ses), nil
}

// FromSession projects an already loaded session.
func FromSession(ses *models.Session) *Snapshot {
	snap := &Snapshot{
		SessionID:    ses.ID,
		Stage:        ses.Stage,
		Status:       ses.Status,
		CurrentStep:  stepText[ses.Stage],
		ErrorKind:    ses.ErrorKind,
		ErrorMessage: ses.ErrorMessage,
		CreatedAt:    ses.CreatedAt,
		ExpiresAt:    ses.ExpiresAt,
		Revision:     ses.Revision,
	}

	done := 0
	for _, name := range processingStages {
		row := StageStatus{Name: name}
		if a := ses.ArtifactFor(name); a != nil {
			row.Done = true
			row.ArtifactRef = a.Ref
			done++
		}
		snap.Stages = append(snap.Stages, row)
	}
	snap.RemainingStages = len(processingStages) - done
	snap.Progress = done * 100 / len(processingStages)

	if ses.Status == models.StatusFailed {
		snap.CurrentStep = "Failed: " + ses.ErrorMessage
	}

	if n := len(ses.Runs); n > 0 {
		latest := ses.Runs[n-1]
		snap.TaskID = latest.ID
		started := latest.StartedAt
		snap.StartedAt = &started
		snap.CompletedAt = latest.CompletedAt
	}
	return snap
}
