package stage

import (
	"context"

	"github.com/obrennan/clinicast/internal/models"
)

// Config carries the session's processing configuration into the adapters
// that honor it. Adapters receive these values unchanged; validation
// happened at session creation.
type Config struct {
	SummaryMinutes int
	VoiceStyle     string
	SummaryStyle   string
	FocusAreas     []string
	CustomTerms    map[string]string
}

// Input is everything a stage needs: the attached materials, the artifacts
// recorded by earlier stages (stage name -> blob ref), and the session
// configuration.
type Input struct {
	SessionID string
	Materials []models.SourceMaterial
	Artifacts map[string]string
	Config    Config
}

// Output is the success payload of a stage: the blob reference of the
// produced artifact plus metadata.
type Output struct {
	Ref       string
	MediaType string
	SizeBytes int64
	Meta      map[string]string
}

// Adapter wraps exactly one external transformation. Run is a pure
// function of its input: adapters never mutate session state, and every
// error they return is a *Failure tagged Retryable or Fatal.
type Adapter interface {
	Name() string
	Run(ctx context.Context, in Input) (*Output, error)
}
