package stage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/obrennan/clinicast/internal/config"
	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/storage"
	"google.golang.org/genai"
)

const scriptPrompt = `You are writing a podcast episode script for clinical education. Turn the summary below into a natural two-host dialogue between HOST and EXPERT.

Requirements:
- Target length: about %d minutes of speech (roughly %d words)
- Tone: %s
- Open with a short welcome naming the topic, close with the key takeaways
- Every clinical fact from the summary must survive into the dialogue
- Format each line as "HOST:" or "EXPERT:" followed by the spoken text
- No stage directions, no markdown inside the spoken lines%s

Summary:
---
%s
---`

// wordsPerMinute is the speech pacing used to size the script to the
// configured episode length.
const wordsPerMinute = 150

// Scripter turns the structured summary into a podcast dialogue script,
// and exports a .docx rendition alongside the markdown artifact.
type Scripter struct {
	blobs storage.Store
	keys  *keyRing
	model string
}

// NewScripter builds the script-generation adapter.
func NewScripter(blobs storage.Store, cfg config.SummarizerConfig) *Scripter {
	return &Scripter{
		blobs: blobs,
		keys:  newKeyRing(cfg.APIKeys),
		model: cfg.Model,
	}
}

func (s *Scripter) Name() string { return models.StageScripting }

// Run reads the summary artifact and produces the episode script.
func (s *Scripter) Run(ctx context.Context, in Input) (*Output, error) {
	summaryRef, ok := in.Artifacts[models.StageSummarizing]
	if !ok {
		return nil, Fatalf("script: session %s has no summary artifact", in.SessionID)
	}
	summary, err := readBlob(s.blobs, summaryRef)
	if err != nil {
		return nil, Retryablef("script: read summary: %v", err)
	}

	prompt := fmt.Sprintf(scriptPrompt,
		in.Config.SummaryMinutes,
		in.Config.SummaryMinutes*wordsPerMinute,
		in.Config.SummaryStyle,
		focusClause(in.Config.FocusAreas),
		summary,
	)

	script, err := s.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	ref := path.Join(in.SessionID, "artifacts", "script.md")
	n, err := s.blobs.Put(ref, strings.NewReader(script))
	if err != nil {
		return nil, Retryablef("script: store script: %v", err)
	}

	meta := map[string]string{"model": s.model}

	// Export a .docx rendition for download. Failure here does not fail
	// the stage; the markdown script is the canonical artifact.
	docxRef := path.Join(in.SessionID, "artifacts", "script.docx")
	if err := s.exportDocx(in.SessionID, script, docxRef); err == nil {
		meta["docx_ref"] = docxRef
	}

	return &Output{
		Ref:       ref,
		MediaType: "text/markdown",
		SizeBytes: n,
		Meta:      meta,
	}, nil
}

// generate sends the prompt to Gemini with the same key rotation policy as
// the summarizer.
func (s *Scripter) generate(ctx context.Context, prompt string) (string, error) {
	if s.keys.empty() {
		return "", Fatalf("script: no API keys configured")
	}

	attempts := s.keys.size()
	var lastErr error

	for range attempts {
		key := s.keys.current()

		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  key,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			lastErr = err
			s.keys.rotate()
			continue
		}

		result, err := client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), nil)
		if err != nil {
			if isQuotaError(err) {
				s.keys.rotate()
				lastErr = err
				continue
			}
			return "", classifyModelError("script", err)
		}

		text := collectText(result)
		if text == "" {
			return "", Retryablef("script: empty response from model")
		}
		return text, nil
	}

	return "", Retryablef("script: all API keys exhausted: %v", lastErr)
}

// exportDocx writes the script as a styled .docx blob via a temp file.
func (s *Scripter) exportDocx(sessionID, script, ref string) error {
	tmpDir, err := os.MkdirTemp("", "clinicast-script-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, "script.docx")
	if err := scriptToDocx("Episode script "+sessionID, script, tmpPath); err != nil {
		return err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.blobs.Put(ref, f)
	return err
}
