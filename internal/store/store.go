// Package store implements the durable session store. Every write goes
// through Update, which serializes concurrent mutations per session while
// leaving different sessions fully parallel.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/storage"
	"gorm.io/gorm"
)

// Sentinel errors surfaced to callers.
var (
	ErrNotFound             = errors.New("session not found")
	ErrInvalidConfiguration = errors.New("invalid session configuration")
)

// Recognized configuration option sets, from the product's closed list of
// voices and summary styles.
var (
	ValidVoices = []string{
		"professional_female", "professional_male",
		"conversational_female", "conversational_male",
	}
	ValidSummaryStyles = []string{"conversational", "technical", "basic"}
)

const (
	// MinSummaryMinutes and MaxSummaryMinutes bound the target podcast length.
	MinSummaryMinutes = 10
	MaxSummaryMinutes = 30
	// DefaultSummaryMinutes is used when the caller does not specify one.
	DefaultSummaryMinutes = 20
)

// SessionConfig is the validated processing configuration supplied at
// session creation. Zero values take documented defaults.
type SessionConfig struct {
	SummaryMinutes int
	VoiceStyle     string
	SummaryStyle   string
	FocusAreas     []string
	CustomTerms    map[string]string
}

// Store is the keyed session store. A per-session mutex serializes
// concurrent Update calls for the same ID.
type Store struct {
	db    *gorm.DB
	blobs storage.Store
	ttl   time.Duration
	locks keyedMutex
}

// New creates a Store. ttl is the session retention window used to stamp
// ExpiresAt at creation.
func New(db *gorm.DB, blobs storage.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &Store{db: db, blobs: blobs, ttl: ttl}
}

// DB exposes the underlying GORM handle for read-only queries by
// collaborating packages. Writes must go through Update.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Blobs returns the blob store backing this session store.
func (s *Store) Blobs() storage.Store {
	return s.blobs
}

// GenerateID creates a unique session ID in ses-xxxxxxxx format (8-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("store: generate ID: %w", err)
	}
	return "ses-" + hex.EncodeToString(b), nil
}

// generateUniqueID generates an ID and retries once on collision.
func (s *Store) generateUniqueID() (string, error) {
	for range 2 {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := s.db.Model(&models.Session{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("store: check ID uniqueness: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("store: failed to generate unique ID after retries")
}

// ValidateConfig applies defaults and checks cfg against the closed option
// sets. Returns the normalized config or ErrInvalidConfiguration.
func ValidateConfig(cfg SessionConfig) (SessionConfig, error) {
	if cfg.SummaryMinutes == 0 {
		cfg.SummaryMinutes = DefaultSummaryMinutes
	}
	if cfg.VoiceStyle == "" {
		cfg.VoiceStyle = ValidVoices[0]
	}
	if cfg.SummaryStyle == "" {
		cfg.SummaryStyle = ValidSummaryStyles[0]
	}

	if cfg.SummaryMinutes < MinSummaryMinutes || cfg.SummaryMinutes > MaxSummaryMinutes {
		return cfg, fmt.Errorf("store: summary duration %d outside %d-%d minutes: %w",
			cfg.SummaryMinutes, MinSummaryMinutes, MaxSummaryMinutes, ErrInvalidConfiguration)
	}
	if !contains(ValidVoices, cfg.VoiceStyle) {
		return cfg, fmt.Errorf("store: voice %q not one of %v: %w", cfg.VoiceStyle, ValidVoices, ErrInvalidConfiguration)
	}
	if !contains(ValidSummaryStyles, cfg.SummaryStyle) {
		return cfg, fmt.Errorf("store: summary style %q not one of %v: %w", cfg.SummaryStyle, ValidSummaryStyles, ErrInvalidConfiguration)
	}
	return cfg, nil
}

// Create validates cfg and persists a new session in the intake stage.
func (s *Store) Create(cfg SessionConfig) (*models.Session, error) {
	cfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	focus, err := json.Marshal(cfg.FocusAreas)
	if err != nil {
		return nil, fmt.Errorf("store: marshal focus areas: %w", err)
	}
	terms, err := json.Marshal(cfg.CustomTerms)
	if err != nil {
		return nil, fmt.Errorf("store: marshal custom terms: %w", err)
	}

	id, err := s.generateUniqueID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ses := models.Session{
		ID:             id,
		Stage:          models.StageIntake,
		Status:         models.StatusPending,
		ExpiresAt:      now.Add(s.ttl),
		SummaryMinutes: cfg.SummaryMinutes,
		VoiceStyle:     cfg.VoiceStyle,
		SummaryStyle:   cfg.SummaryStyle,
		FocusAreas:     string(focus),
		CustomTerms:    string(terms),
	}
	if err := s.db.Create(&ses).Error; err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return &ses, nil
}

// Get returns a session with materials, artifacts and runs preloaded. The
// read happens inside one transaction so it never observes a state spanning
// two Update calls.
func (s *Store) Get(id string) (*models.Session, error) {
	var ses models.Session
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return loadSession(tx, id, &ses)
	})
	if err != nil {
		return nil, err
	}
	return &ses, nil
}

// Update applies an atomic read-modify-write to the session. The mutator
// receives the freshly loaded session and may modify fields and append
// materials, artifacts and runs. Invariants are enforced before commit:
// the stage never regresses and recorded artifacts are never changed or
// removed. The session revision is bumped on every successful update.
func (s *Store) Update(id string, mutate func(*models.Session) error) (*models.Session, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	var ses models.Session
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := loadSession(tx, id, &ses); err != nil {
			return err
		}

		prevStage := ses.Stage
		prevArtifacts := make(map[string]string, len(ses.Artifacts))
		for _, a := range ses.Artifacts {
			prevArtifacts[a.Stage] = a.Ref
		}

		if err := mutate(&ses); err != nil {
			return err
		}

		if err := checkInvariants(&ses, prevStage, prevArtifacts); err != nil {
			return err
		}

		ses.Revision++
		if err := tx.Session(&gorm.Session{FullSaveAssociations: true}).Save(&ses).Error; err != nil {
			return fmt.Errorf("store: save session %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ses, nil
}

// Delete removes the session record and releases its blobs through the
// storage collaborator.
func (s *Store) Delete(id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ses models.Session
		if err := loadSession(tx, id, &ses); err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&models.SourceMaterial{}).Error; err != nil {
			return fmt.Errorf("store: delete materials of %s: %w", id, err)
		}
		if err := tx.Where("session_id = ?", id).Delete(&models.Artifact{}).Error; err != nil {
			return fmt.Errorf("store: delete artifacts of %s: %w", id, err)
		}
		if err := tx.Where("session_id = ?", id).Delete(&models.ProcessingRun{}).Error; err != nil {
			return fmt.Errorf("store: delete runs of %s: %w", id, err)
		}
		if err := tx.Delete(&models.Session{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("store: delete session %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.locks.forget(id)

	if s.blobs != nil {
		if err := s.blobs.DeletePrefix(id); err != nil {
			return fmt.Errorf("store: release blobs of %s: %w", id, err)
		}
	}
	return nil
}

// ListExpired returns IDs of sessions whose ExpiresAt is before cutoff and
// that have no run in flight.
func (s *Store) ListExpired(cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.db.Model(&models.Session{}).
		Where("expires_at < ? AND status <> ?", cutoff, models.StatusRunning).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("store: list expired: %w", err)
	}
	return ids, nil
}

// StaleRuns returns running ProcessingRuns whose heartbeat is older than
// cutoff, meaning their worker no longer exists.
func (s *Store) StaleRuns(cutoff time.Time) ([]models.ProcessingRun, error) {
	var runs []models.ProcessingRun
	err := s.db.Where("status = ? AND last_heartbeat < ?", models.RunRunning, cutoff).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list stale runs: %w", err)
	}
	return runs, nil
}

// Heartbeat bumps the run's liveness timestamp without going through a
// full session update.
func (s *Store) Heartbeat(runID string) error {
	result := s.db.Model(&models.ProcessingRun{}).
		Where("id = ? AND status = ?", runID, models.RunRunning).
		Update("last_heartbeat", time.Now())
	if result.Error != nil {
		return fmt.Errorf("store: heartbeat run %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: heartbeat run %s: run not running", runID)
	}
	return nil
}

// loadSession fetches the session with all associations in a fixed order.
func loadSession(tx *gorm.DB, id string, ses *models.Session) error {
	err := tx.
		Preload("Materials", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, id ASC") }).
		Preload("Artifacts", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Runs", func(db *gorm.DB) *gorm.DB { return db.Order("started_at ASC") }).
		Where("id = ?", id).
		First(ses).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("store: get %s: %w", id, err)
	}
	return nil
}

// checkInvariants rejects mutations that would corrupt the session state
// machine: stage regression, artifact mutation or removal, or more than one
// in-flight run.
func checkInvariants(ses *models.Session, prevStage string, prevArtifacts map[string]string) error {
	prevIdx := models.StageIndex(prevStage)
	newIdx := models.StageIndex(ses.Stage)
	if newIdx < 0 {
		return fmt.Errorf("store: unknown stage %q", ses.Stage)
	}
	if newIdx < prevIdx {
		return fmt.Errorf("store: stage regression %s -> %s", prevStage, ses.Stage)
	}

	seen := make(map[string]string, len(ses.Artifacts))
	for _, a := range ses.Artifacts {
		if _, dup := seen[a.Stage]; dup {
			return fmt.Errorf("store: duplicate artifact for stage %s", a.Stage)
		}
		seen[a.Stage] = a.Ref
	}
	for stage, ref := range prevArtifacts {
		got, ok := seen[stage]
		if !ok {
			return fmt.Errorf("store: artifact for stage %s removed", stage)
		}
		if got != ref {
			return fmt.Errorf("store: artifact for stage %s mutated", stage)
		}
	}

	active := 0
	for _, r := range ses.Runs {
		if r.Status == models.RunRunning {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("store: %d concurrent runs on session %s", active, ses.ID)
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
