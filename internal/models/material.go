package models

import "time"

// Source material kinds.
const (
	MaterialAudio    = "audio"
	MaterialDocument = "document"
	MaterialLink     = "link"
)

// SourceMaterial is one input unit attached to a session: the tutorial
// recording itself, a supporting document, or a web link. The session holds
// only the blob reference, never the bytes.
type SourceMaterial struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SessionID   string `gorm:"size:32;index"`
	Kind        string `gorm:"size:16;not null"`
	Name        string `gorm:"size:255"`
	MediaType   string `gorm:"size:64"`
	Ref         string `gorm:"size:255"` // blob reference, or the URL for links
	SizeBytes   int64
	ContentHash string `gorm:"size:64;index"` // sha256 hex
	Position    int    // attachment order within the session
	CreatedAt   time.Time
}
