package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/obrennan/clinicast/internal/config"
	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/storage"
)

// Extractor turns the session's raw materials into one normalized markdown
// transcript: the recording is transcribed with a local whisper-style
// binary, documents go through pdftotext, and links are fetched over HTTP.
type Extractor struct {
	blobs  storage.Store
	exec   Executor
	cfg    config.TranscriberConfig
	client *http.Client
}

// NewExtractor builds the extraction adapter.
func NewExtractor(blobs storage.Store, exec Executor, cfg config.TranscriberConfig) *Extractor {
	return &Extractor{
		blobs:  blobs,
		exec:   exec,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.LinkTimeout},
	}
}

func (e *Extractor) Name() string { return models.StageExtracting }

// Run transcribes the audio material and appends extracted text from the
// supporting documents and links, in attachment order.
func (e *Extractor) Run(ctx context.Context, in Input) (*Output, error) {
	var audio *models.SourceMaterial
	for i := range in.Materials {
		if in.Materials[i].Kind == models.MaterialAudio {
			audio = &in.Materials[i]
			break
		}
	}
	if audio == nil {
		return nil, Fatalf("extract: session %s has no audio material", in.SessionID)
	}

	transcript, err := e.transcribe(ctx, audio)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Transcript: %s\n\n", audio.Name)
	b.WriteString(strings.TrimSpace(transcript))
	b.WriteString("\n")

	sources := 1
	for i := range in.Materials {
		m := &in.Materials[i]
		switch m.Kind {
		case models.MaterialDocument:
			text, err := e.extractDocument(ctx, m)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, "\n# Supporting document: %s\n\n%s\n", m.Name, strings.TrimSpace(text))
			sources++
		case models.MaterialLink:
			text, err := e.fetchLink(ctx, m.Ref)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, "\n# Linked reference: %s\n\n%s\n", m.Ref, strings.TrimSpace(text))
			sources++
		}
	}

	ref := path.Join(in.SessionID, "artifacts", "transcript.md")
	n, err := e.blobs.Put(ref, strings.NewReader(b.String()))
	if err != nil {
		return nil, Retryablef("extract: store transcript: %v", err)
	}

	return &Output{
		Ref:       ref,
		MediaType: "text/markdown",
		SizeBytes: n,
		Meta:      map[string]string{"sources": strconv.Itoa(sources)},
	}, nil
}

// transcribe runs the configured transcription binary against the audio
// blob and returns the plain-text transcript.
func (e *Extractor) transcribe(ctx context.Context, audio *models.SourceMaterial) (string, error) {
	audioPath, err := e.blobs.Path(audio.Ref)
	if err != nil {
		return "", Fatalf("extract: resolve audio blob: %v", err)
	}

	tmpDir, err := os.MkdirTemp("", "clinicast-extract-")
	if err != nil {
		return "", Retryablef("extract: temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	outputPrefix := filepath.Join(tmpDir, "transcript")
	args := []string{
		"-m", e.cfg.ModelPath,
		"-f", audioPath,
		"-otxt",
		"-l", e.cfg.Language,
		"-t", strconv.Itoa(e.cfg.Threads),
		"--output-file", outputPrefix,
	}

	if _, err := e.exec.Execute(ctx, e.cfg.BinaryPath, args...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", Retryablef("extract: transcribe timed out: %v", err)
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", Fatalf("extract: transcribe %s: %v", audio.Name, err)
	}

	data, err := os.ReadFile(outputPrefix + ".txt")
	if err != nil {
		return "", Fatalf("extract: read transcript output: %v", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", Fatalf("extract: empty transcript for %s", audio.Name)
	}
	return string(data), nil
}

// extractDocument converts a PDF material to plain text via pdftotext.
func (e *Extractor) extractDocument(ctx context.Context, m *models.SourceMaterial) (string, error) {
	docPath, err := e.blobs.Path(m.Ref)
	if err != nil {
		return "", Fatalf("extract: resolve document blob: %v", err)
	}

	// pdftotext <file> - writes plain text to stdout.
	out, err := e.exec.Execute(ctx, e.cfg.PdfToText, docPath, "-")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", Retryablef("extract: pdftotext timed out: %v", err)
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", Fatalf("extract: pdftotext %s: %v", m.Name, err)
	}
	return out, nil
}

// fetchLink downloads a linked reference with a bounded body size. Server
// faults are retryable; client errors are not.
func (e *Extractor) fetchLink(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", Fatalf("extract: build request for %s: %v", url, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return "", ctx.Err()
		}
		return "", Retryablef("extract: fetch %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", Retryablef("extract: fetch %s: status %d", url, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", Fatalf("extract: fetch %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.LinkMaxBytes))
	if err != nil {
		return "", Retryablef("extract: read %s: %v", url, err)
	}
	return string(data), nil
}
