package stage

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/obrennan/clinicast/internal/config"
	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/storage"
)

// voiceModels maps the recognized voice styles to the TTS voice model file
// inside SpeechConfig.VoiceDir.
var voiceModels = map[string]string{
	"professional_female":   "en_professional_female.onnx",
	"professional_male":     "en_professional_male.onnx",
	"conversational_female": "en_conversational_female.onnx",
	"conversational_male":   "en_conversational_male.onnx",
}

// Synthesizer renders the podcast script to audio through a local
// text-to-speech binary (piper-style: text on stdin, wav file out).
type Synthesizer struct {
	blobs storage.Store
	exec  Executor
	cfg   config.SpeechConfig
}

// NewSynthesizer builds the speech synthesis adapter.
func NewSynthesizer(blobs storage.Store, exec Executor, cfg config.SpeechConfig) *Synthesizer {
	return &Synthesizer{blobs: blobs, exec: exec, cfg: cfg}
}

func (s *Synthesizer) Name() string { return models.StageSynthesizing }

// Run reads the script artifact, strips it to plain spoken text and
// produces the episode audio artifact.
func (s *Synthesizer) Run(ctx context.Context, in Input) (*Output, error) {
	scriptRef, ok := in.Artifacts[models.StageScripting]
	if !ok {
		return nil, Fatalf("synthesize: session %s has no script artifact", in.SessionID)
	}
	script, err := readBlob(s.blobs, scriptRef)
	if err != nil {
		return nil, Retryablef("synthesize: read script: %v", err)
	}

	spoken := spokenText(script)
	if spoken == "" {
		return nil, Fatalf("synthesize: script for %s contains no spoken lines", in.SessionID)
	}

	voice, ok := voiceModels[in.Config.VoiceStyle]
	if !ok {
		return nil, Fatalf("synthesize: unknown voice style %q", in.Config.VoiceStyle)
	}

	tmpDir, err := os.MkdirTemp("", "clinicast-tts-")
	if err != nil {
		return nil, Retryablef("synthesize: temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "episode.wav")
	args := []string{
		"--model", filepath.Join(s.cfg.VoiceDir, voice),
		"--output_file", wavPath,
	}

	if _, err := s.exec.ExecuteInput(ctx, spoken, s.cfg.BinaryPath, args...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, Retryablef("synthesize: tts timed out: %v", err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, Fatalf("synthesize: tts: %v", err)
	}

	f, err := os.Open(wavPath)
	if err != nil {
		return nil, Fatalf("synthesize: tts produced no output: %v", err)
	}
	defer f.Close()

	ref := path.Join(in.SessionID, "artifacts", "episode.wav")
	n, err := s.blobs.Put(ref, f)
	if err != nil {
		return nil, Retryablef("synthesize: store audio: %v", err)
	}

	return &Output{
		Ref:       ref,
		MediaType: "audio/wav",
		SizeBytes: n,
		Meta:      map[string]string{"voice": in.Config.VoiceStyle},
	}, nil
}

// spokenText flattens the HOST:/EXPERT: dialogue into the text the TTS
// engine should read, dropping speaker tags and markdown lines.
func spokenText(script string) string {
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if m := reSpeaker.FindStringSubmatch(trimmed); m != nil {
			if m[2] != "" {
				lines = append(lines, m[2])
			}
			continue
		}
		lines = append(lines, stripMarkdownInline(trimmed))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
