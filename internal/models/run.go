package models

import "time"

// Processing run status constants.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// ProcessingRun is the single active execution of the pipeline for a
// session. The worker goroutine that owns the run updates LastHeartbeat
// periodically; a recovery sweep fails runs whose heartbeat has gone stale.
type ProcessingRun struct {
	ID            string `gorm:"primaryKey;size:64"`
	SessionID     string `gorm:"size:32;index"`
	Status        string `gorm:"size:16;default:running;index"`
	Stage         string `gorm:"size:16"`
	Attempt       int    `gorm:"default:0"` // retry count for the current stage
	StartedAt     time.Time
	LastHeartbeat time.Time `gorm:"index"`
	CompletedAt   *time.Time
	ErrorMessage  string `gorm:"type:text"`
}
