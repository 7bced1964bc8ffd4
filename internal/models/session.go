// Package models defines the GORM models persisted by clinicast.
package models

import "time"

// Session stage constants, in pipeline order.
const (
	StageIntake       = "intake"
	StageExtracting   = "extracting"
	StageSummarizing  = "summarizing"
	StageScripting    = "scripting"
	StageSynthesizing = "synthesizing"
	StageComplete     = "complete"
)

// Session status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// StageOrder is the fixed pipeline ordering. The session stage only ever
// moves forward through this list.
var StageOrder = []string{
	StageIntake,
	StageExtracting,
	StageSummarizing,
	StageScripting,
	StageSynthesizing,
	StageComplete,
}

// StageIndex returns the position of a stage in StageOrder, or -1 for an
// unknown stage.
func StageIndex(stage string) int {
	for i, s := range StageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// NextStage returns the stage after the given one, or empty string if the
// stage is terminal or unknown.
func NextStage(stage string) string {
	i := StageIndex(stage)
	if i < 0 || i >= len(StageOrder)-1 {
		return ""
	}
	return StageOrder[i+1]
}

// IsTerminalStatus reports whether a session status admits no further
// transitions.
func IsTerminalStatus(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCancelled
}

// Session is one end-to-end request to turn a clinical tutorial recording
// into a podcast summary.
type Session struct {
	ID        string `gorm:"primaryKey;size:32"`
	Stage     string `gorm:"size:16;default:intake;index"`
	Status    string `gorm:"size:16;default:pending;index"`
	Revision  int    `gorm:"default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`

	// Processing configuration, validated once at creation.
	SummaryMinutes int    `gorm:"default:20"`
	VoiceStyle     string `gorm:"size:32;default:professional_female"`
	SummaryStyle   string `gorm:"size:16;default:conversational"`
	FocusAreas     string `gorm:"type:text"` // JSON array of strings
	CustomTerms    string `gorm:"type:text"` // JSON object term -> expansion

	// Set only when Status is failed.
	ErrorKind    string `gorm:"size:32"`
	ErrorMessage string `gorm:"type:text"`

	Materials []SourceMaterial `gorm:"foreignKey:SessionID"`
	Artifacts []Artifact       `gorm:"foreignKey:SessionID"`
	Runs      []ProcessingRun  `gorm:"foreignKey:SessionID"`
}

// Artifact records the durable output reference of one completed stage.
// A session gets at most one artifact per stage and it is never mutated
// after being set.
type Artifact struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:32;index;uniqueIndex:idx_session_stage"`
	Stage     string `gorm:"size:16;uniqueIndex:idx_session_stage"`
	Ref       string `gorm:"size:255;not null"`
	MediaType string `gorm:"size:64"`
	SizeBytes int64
	Meta      string `gorm:"type:text"` // JSON metadata from the adapter
	CreatedAt time.Time
}

// ArtifactFor returns the artifact recorded for a stage, or nil.
func (s *Session) ArtifactFor(stage string) *Artifact {
	for i := range s.Artifacts {
		if s.Artifacts[i].Stage == stage {
			return &s.Artifacts[i]
		}
	}
	return nil
}

// AudioMaterial returns the session's audio source material, or nil if none
// is attached yet.
func (s *Session) AudioMaterial() *SourceMaterial {
	for i := range s.Materials {
		if s.Materials[i].Kind == MaterialAudio {
			return &s.Materials[i]
		}
	}
	return nil
}

// ActiveRun returns the in-flight processing run, or nil. At most one run
// per session may be active at a time.
func (s *Session) ActiveRun() *ProcessingRun {
	for i := range s.Runs {
		if s.Runs[i].Status == RunRunning {
			return &s.Runs[i]
		}
	}
	return nil
}
