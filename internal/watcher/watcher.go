// Package watcher implements the inbox watch mode: audio recordings
// dropped into a directory are ingested as new sessions and processed
// with the default configuration.
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/obrennan/clinicast/internal/intake"
	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/pipeline"
	"github.com/obrennan/clinicast/internal/store"
)

// settleDelay gives the producer time to finish writing a file after the
// create event fires.
const settleDelay = 500 * time.Millisecond

var audioExtensions = []string{".mp3", ".wav", ".m4a", ".mp4", ".ogg"}

// Watcher monitors an inbox directory and feeds new recordings into the
// pipeline, at most maxConcurrent at a time.
type Watcher struct {
	dir       string
	store     *store.Store
	intake    *intake.Intake
	runner    *pipeline.Runner
	semaphore chan struct{}
	wg        sync.WaitGroup
}

// New creates a Watcher for dir.
func New(dir string, st *store.Store, in *intake.Intake, runner *pipeline.Runner, maxConcurrent int) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("watcher: dir is required")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("watcher: create inbox %s: %w", dir, err)
	}
	return &Watcher{
		dir:       dir,
		store:     st,
		intake:    in,
		runner:    runner,
		semaphore: make(chan struct{}, maxConcurrent),
	}, nil
}

// Start blocks watching the inbox until ctx is cancelled, then waits for
// in-flight ingests to finish.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", w.dir, err)
	}

	log.Printf("watcher: monitoring %s (max concurrent: %d)", w.dir, cap(w.semaphore))

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher: events channel closed")
			}
			if event.Op&fsnotify.Create != fsnotify.Create {
				continue
			}
			if !isAudioFile(event.Name) {
				continue
			}

			log.Printf("watcher: new recording detected: %s", event.Name)
			time.Sleep(settleDelay)

			select {
			case w.semaphore <- struct{}{}:
				w.wg.Add(1)
				go func(path string) {
					defer w.wg.Done()
					defer func() { <-w.semaphore }()
					if err := w.ingest(path); err != nil {
						log.Printf("watcher: ingest %s: %v", path, err)
					}
				}(event.Name)
			case <-ctx.Done():
				w.wg.Wait()
				return ctx.Err()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher: errors channel closed")
			}
			log.Printf("watcher: %v", err)
		}
	}
}

// ingest creates a session for the recording, attaches it and starts
// processing. The inbox file is removed once attached.
func (w *Watcher) ingest(path string) error {
	ses, err := w.store.Create(store.SessionConfig{})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	_, err = w.intake.Attach(ses.ID, intake.Descriptor{
		Kind: models.MaterialAudio,
		Name: filepath.Base(path),
		Data: f,
	})
	f.Close()
	if err != nil {
		return fmt.Errorf("attach recording: %w", err)
	}

	if err := os.Remove(path); err != nil {
		log.Printf("watcher: remove inbox file %s: %v", path, err)
	}

	if _, err := w.runner.Start(ses.ID); err != nil {
		return fmt.Errorf("start processing: %w", err)
	}
	log.Printf("watcher: session %s started for %s", ses.ID, filepath.Base(path))
	return nil
}

func isAudioFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range audioExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
