package stage

import (
	"context"
	"os"
	"testing"

	"github.com/obrennan/clinicast/internal/config"
	"github.com/obrennan/clinicast/internal/storage"
)

// fakeExec is a scripted Executor. A call carrying --output-file writes
// transcript to <prefix>.txt the way the transcription binary does; a call
// carrying --output_file writes wavBytes the way the TTS binary does.
// Everything else returns stdout.
type fakeExec struct {
	transcript string
	wavBytes   []byte
	stdout     string
	err        error

	calls     int
	lastName  string
	lastArgs  []string
	lastStdin string
}

func (f *fakeExec) Execute(ctx context.Context, name string, args ...string) (string, error) {
	return f.run(ctx, "", name, args)
}

func (f *fakeExec) ExecuteInput(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	return f.run(ctx, stdin, name, args)
}

func (f *fakeExec) run(ctx context.Context, stdin, name string, args []string) (string, error) {
	f.calls++
	f.lastName = name
	f.lastArgs = args
	f.lastStdin = stdin
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	for i, a := range args {
		switch {
		case a == "--output-file" && i+1 < len(args):
			if err := os.WriteFile(args[i+1]+".txt", []byte(f.transcript), 0o644); err != nil {
				return "", err
			}
		case a == "--output_file" && i+1 < len(args):
			if err := os.WriteFile(args[i+1], f.wavBytes, 0o644); err != nil {
				return "", err
			}
		}
	}
	return f.stdout, nil
}

func summarizerTestConfig() config.SummarizerConfig {
	return config.SummarizerConfig{APIKeys: []string{"test-key"}, Model: "gemini-2.5-flash"}
}

func summarizerTestConfigNoKeys() config.SummarizerConfig {
	return config.SummarizerConfig{Model: "gemini-2.5-flash"}
}

func newTestBlobs(t *testing.T) storage.Store {
	t.Helper()
	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return blobs
}
