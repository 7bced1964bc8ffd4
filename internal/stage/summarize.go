package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/obrennan/clinicast/internal/config"
	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/storage"
	"google.golang.org/genai"
)

const summaryPrompt = `You are an expert clinical educator preparing teaching material. Based on the transcript and supporting sources below, write a structured summary of this clinical tutorial.

Requirements:
- Style: %s
- Start with a one-sentence overview of the topic
- List every major teaching point in the order it appears
- Preserve clinical terminology exactly; expand abbreviations on first use
- Use markdown: headings, bullet points, bold for key terms
- End with a "Key takeaways" section%s%s

Source material:
---
%s
---`

// Summarizer produces a structured clinical summary from the extraction
// transcript using Gemini. Multiple API keys are rotated when a key hits
// its quota.
type Summarizer struct {
	blobs storage.Store
	keys  *keyRing
	model string
}

// NewSummarizer builds the summarization adapter.
func NewSummarizer(blobs storage.Store, cfg config.SummarizerConfig) *Summarizer {
	return &Summarizer{
		blobs: blobs,
		keys:  newKeyRing(cfg.APIKeys),
		model: cfg.Model,
	}
}

func (s *Summarizer) Name() string { return models.StageSummarizing }

// Run reads the transcript artifact, asks Gemini for a summary honoring
// the session's style, focus areas and custom terminology, and stores the
// result.
func (s *Summarizer) Run(ctx context.Context, in Input) (*Output, error) {
	transcriptRef, ok := in.Artifacts[models.StageExtracting]
	if !ok {
		return nil, Fatalf("summarize: session %s has no transcript artifact", in.SessionID)
	}
	transcript, err := readBlob(s.blobs, transcriptRef)
	if err != nil {
		return nil, Retryablef("summarize: read transcript: %v", err)
	}

	prompt := fmt.Sprintf(summaryPrompt,
		in.Config.SummaryStyle,
		focusClause(in.Config.FocusAreas),
		termsClause(in.Config.CustomTerms),
		transcript,
	)

	summary, err := s.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	ref := path.Join(in.SessionID, "artifacts", "summary.md")
	n, err := s.blobs.Put(ref, strings.NewReader(summary))
	if err != nil {
		return nil, Retryablef("summarize: store summary: %v", err)
	}

	return &Output{
		Ref:       ref,
		MediaType: "text/markdown",
		SizeBytes: n,
		Meta:      map[string]string{"model": s.model, "prompt_chars": strconv.Itoa(len(prompt))},
	}, nil
}

// generate sends the prompt to Gemini, rotating API keys on quota errors.
func (s *Summarizer) generate(ctx context.Context, prompt string) (string, error) {
	if s.keys.empty() {
		return "", Fatalf("summarize: no API keys configured")
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
			return "", classifyModelError("summarize", err)
		}

		text := collectText(result)
		if text == "" {
			return "", Retryablef("summarize: empty response from model")
		}
		return text, nil
	}

	return "", Retryablef("summarize: all API keys exhausted: %v", lastErr)
}

// focusClause renders the focus-area instruction, or empty when none set.
func focusClause(areas []string) string {
	if len(areas) == 0 {
		return ""
	}
	return "\n- Give extra depth to these focus areas: " + strings.Join(areas, ", ")
}

// termsClause renders the custom-terminology instruction.
func termsClause(terms map[string]string) string {
	if len(terms) == 0 {
		return ""
	}
	var pairs []string
	for term, expansion := range terms {
		pairs = append(pairs, fmt.Sprintf("%s = %s", term, expansion))
	}
	return "\n- Use this terminology exactly: " + strings.Join(pairs, "; ")
}

// collectText concatenates the text parts of the first candidate.
func collectText(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return strings.TrimSpace(text)
}

// isQuotaError matches rate-limit and quota exhaustion responses.
func isQuotaError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED")
}

// classifyModelError maps a model call error into the failure taxonomy:
// timeouts, rate limits and server faults retry; everything else is fatal.
func classifyModelError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isQuotaError(err) {
		return Retryablef("%s: model call: %v", op, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "500") || strings.Contains(msg, "503") || strings.Contains(msg, "UNAVAILABLE") {
		return Retryablef("%s: model call: %v", op, err)
	}
	return Fatalf("%s: model call: %v", op, err)
}

// readBlob loads a whole blob into a string.
func readBlob(blobs storage.Store, ref string) (string, error) {
	rc, err := blobs.Get(ref)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
