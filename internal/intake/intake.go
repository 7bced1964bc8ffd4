// Package intake validates and registers uploaded or linked source
// materials against a session before processing starts.
package intake

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/storage"
	"github.com/obrennan/clinicast/internal/store"
)

// Sentinel errors surfaced to the route layer.
var (
	ErrUnsupportedMediaKind = errors.New("unsupported media kind")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrInvalidReference     = errors.New("invalid link reference")
	ErrInvalidSessionState  = errors.New("session no longer accepts materials")
	ErrDuplicateAudio       = errors.New("session already has an audio recording")
	ErrTooManyMaterials     = errors.New("material limit reached")
)

// Recognized upload formats, matching the product's supported recording
// and document types.
var (
	audioExtensions = []string{".mp3", ".wav", ".m4a", ".mp4", ".ogg"}
	audioMediaTypes = []string{
		"audio/mp3", "audio/mpeg", "audio/wav", "audio/m4a",
		"audio/mp4", "audio/ogg", "application/octet-stream",
	}
	documentExtensions = []string{".pdf"}
	documentMediaTypes = []string{"application/pdf"}
)

// Descriptor describes one material to attach. Audio and document
// materials carry their bytes in Data; link materials carry only URL.
type Descriptor struct {
	Kind      string
	Name      string
	MediaType string
	URL       string
	Data      io.Reader
}

// Intake registers source materials into sessions.
type Intake struct {
	store        *store.Store
	blobs        storage.Store
	maxBytes     int64
	maxMaterials int
}

// New creates an Intake bounded by the configured upload size and material
// count limits.
func New(st *store.Store, blobs storage.Store, maxBytes int64, maxMaterials int) *Intake {
	return &Intake{store: st, blobs: blobs, maxBytes: maxBytes, maxMaterials: maxMaterials}
}

// Attach validates the descriptor, stores its bytes, and appends the
// material to the session. Attaching a byte-identical material twice
// returns the existing attachment without duplicating storage. Materials
// cannot be added once the session has left the intake stage.
func (in *Intake) Attach(sessionID string, d Descriptor) (*models.SourceMaterial, error) {
	if err := in.validateKind(d); err != nil {
		return nil, err
	}

	if d.Kind == models.MaterialLink {
		return in.attachLink(sessionID, d)
	}
	return in.attachUpload(sessionID, d)
}

// validateKind checks the declared kind against the recognized formats.
func (in *Intake) validateKind(d Descriptor) error {
	switch d.Kind {
	case models.MaterialAudio:
		if !matchFormat(d.Name, d.MediaType, audioExtensions, audioMediaTypes) {
			return fmt.Errorf("intake: %q (%s): %w", d.Name, d.MediaType, ErrUnsupportedMediaKind)
		}
	case models.MaterialDocument:
		if !matchFormat(d.Name, d.MediaType, documentExtensions, documentMediaTypes) {
			return fmt.Errorf("intake: %q (%s): %w", d.Name, d.MediaType, ErrUnsupportedMediaKind)
		}
	case models.MaterialLink:
		u, err := url.Parse(d.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("intake: %q: %w", d.URL, ErrInvalidReference)
		}
	default:
		return fmt.Errorf("intake: kind %q: %w", d.Kind, ErrUnsupportedMediaKind)
	}
	return nil
}

// attachLink registers a link material. The URL itself is the reference;
// no bytes are stored at intake time.
func (in *Intake) attachLink(sessionID string, d Descriptor) (*models.SourceMaterial, error) {
	sum := sha256.Sum256([]byte(d.URL))
	return in.appendMaterial(sessionID, models.SourceMaterial{
		Kind:        models.MaterialLink,
		Name:        d.Name,
		Ref:         d.URL,
		ContentHash: hex.EncodeToString(sum[:]),
	}, "")
}

// attachUpload streams the upload into the blob store while hashing, then
// registers it. Every upload gets a ref of its own, so a rejected or
// redundant copy can be removed without touching previously attached
// blobs, even when filenames repeat. The blob is removed again if the
// session rejects it.
func (in *Intake) attachUpload(sessionID string, d Descriptor) (*models.SourceMaterial, error) {
	if d.Data == nil {
		return nil, fmt.Errorf("intake: %q has no content: %w", d.Name, ErrUnsupportedMediaKind)
	}

	token := make([]byte, 4)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("intake: generate blob ref: %w", err)
	}
	ref := path.Join(sessionID, "materials", hex.EncodeToString(token)+"-"+safeName(d.Name))
	hasher := sha256.New()
	limited := io.LimitReader(d.Data, in.maxBytes+1)

	n, err := in.blobs.Put(ref, io.TeeReader(limited, hasher))
	if err != nil {
		return nil, fmt.Errorf("intake: store %q: %w", d.Name, err)
	}
	if n > in.maxBytes {
		in.blobs.Delete(ref)
		return nil, fmt.Errorf("intake: %q exceeds %d bytes: %w", d.Name, in.maxBytes, ErrPayloadTooLarge)
	}

	material, err := in.appendMaterial(sessionID, models.SourceMaterial{
		Kind:        d.Kind,
		Name:        d.Name,
		MediaType:   d.MediaType,
		Ref:         ref,
		SizeBytes:   n,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
	}, ref)
	if err != nil {
		in.blobs.Delete(ref)
		return nil, err
	}
	return material, nil
}

// appendMaterial performs the session update: state check, duplicate
// detection by content hash, position assignment.
func (in *Intake) appendMaterial(sessionID string, m models.SourceMaterial, newBlobRef string) (*models.SourceMaterial, error) {
	var attached *models.SourceMaterial
	var existing *models.SourceMaterial

	_, err := in.store.Update(sessionID, func(ses *models.Session) error {
		if ses.Stage != models.StageIntake || ses.Status != models.StatusPending {
			return fmt.Errorf("intake: session %s in stage %s status %s: %w",
				ses.ID, ses.Stage, ses.Status, ErrInvalidSessionState)
		}

		for i := range ses.Materials {
			if ses.Materials[i].ContentHash == m.ContentHash && ses.Materials[i].Kind == m.Kind {
				existing = &ses.Materials[i]
				return nil
			}
		}

		if m.Kind == models.MaterialAudio && ses.AudioMaterial() != nil {
			return fmt.Errorf("intake: session %s: %w", ses.ID, ErrDuplicateAudio)
		}
		if len(ses.Materials) >= in.maxMaterials {
			return fmt.Errorf("intake: session %s has %d materials: %w",
				ses.ID, len(ses.Materials), ErrTooManyMaterials)
		}

		m.SessionID = ses.ID
		m.Position = len(ses.Materials)
		ses.Materials = append(ses.Materials, m)
		attached = &ses.Materials[len(ses.Materials)-1]
		return nil
	})
	if err != nil {
		return nil, err
	}

	if existing != nil {
		// Idempotent re-attach: the new blob copy is redundant.
		if newBlobRef != "" && newBlobRef != existing.Ref {
			in.blobs.Delete(newBlobRef)
		}
		return existing, nil
	}
	return attached, nil
}

// matchFormat accepts a file when either its extension or its declared
// media type is recognized.
func matchFormat(name, mediaType string, extensions, mediaTypes []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	for _, mt := range mediaTypes {
		if mediaType == mt {
			return true
		}
	}
	return false
}

// safeName keeps only the base name of an upload so refs stay inside the
// session's blob prefix.
func safeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "upload"
	}
	return base
}
