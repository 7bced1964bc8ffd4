package intake

import (
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/storage"
	"github.com/obrennan/clinicast/internal/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestIntake(t *testing.T, maxBytes int64, maxMaterials int) (*Intake, *store.Store) {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(
		&models.Session{}, &models.SourceMaterial{},
		&models.Artifact{}, &models.ProcessingRun{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(gdb, blobs, time.Hour)
	return New(st, blobs, maxBytes, maxMaterials), st
}

func newSession(t *testing.T, st *store.Store) string {
	t.Helper()
	ses, err := st.Create(store.SessionConfig{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return ses.ID
}

func TestAttach_ValidationErrors(t *testing.T) {
	in, st := newTestIntake(t, 1<<20, 10)
	id := newSession(t, st)

	tests := []struct {
		name string
		d    Descriptor
		want error
	}{
		{
			name: "unknown kind",
			d:    Descriptor{Kind: "video", Name: "clip.avi", Data: strings.NewReader("x")},
			want: ErrUnsupportedMediaKind,
		},
		{
			name: "audio with unrecognized format",
			d:    Descriptor{Kind: models.MaterialAudio, Name: "notes.txt", MediaType: "text/plain", Data: strings.NewReader("x")},
			want: ErrUnsupportedMediaKind,
		},
		{
			name: "document with unrecognized format",
			d:    Descriptor{Kind: models.MaterialDocument, Name: "slides.ppt", MediaType: "application/vnd.ms-powerpoint", Data: strings.NewReader("x")},
			want: ErrUnsupportedMediaKind,
		},
		{
			name: "link with bad scheme",
			d:    Descriptor{Kind: models.MaterialLink, Name: "share", URL: "ftp://example.com/file"},
			want: ErrInvalidReference,
		},
		{
			name: "link with no host",
			d:    Descriptor{Kind: models.MaterialLink, Name: "share", URL: "https://"},
			want: ErrInvalidReference,
		},
		{
			name: "audio without content",
			d:    Descriptor{Kind: models.MaterialAudio, Name: "lecture.mp3"},
			want: ErrUnsupportedMediaKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.Attach(id, tt.d)
			if !errors.Is(err, tt.want) {
				t.Errorf("Attach() error = %v, want %v", err, tt.want)
			}
		})
	}

	ses, err := st.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(ses.Materials) != 0 {
		t.Errorf("rejected attaches left %d materials behind", len(ses.Materials))
	}
}

func TestAttach_AudioUpload(t *testing.T) {
	in, st := newTestIntake(t, 1<<20, 10)
	id := newSession(t, st)

	m, err := in.Attach(id, Descriptor{
		Kind:      models.MaterialAudio,
		Name:      "lecture.mp3",
		MediaType: "audio/mpeg",
		Data:      strings.NewReader("fake audio bytes"),
	})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if m.Kind != models.MaterialAudio || m.Position != 0 {
		t.Errorf("material = %+v, want audio at position 0", m)
	}
	if m.SizeBytes != int64(len("fake audio bytes")) {
		t.Errorf("SizeBytes = %d, want %d", m.SizeBytes, len("fake audio bytes"))
	}
	if m.ContentHash == "" || len(m.ContentHash) != 64 {
		t.Errorf("ContentHash = %q, want sha256 hex", m.ContentHash)
	}

	rc, err := st.Blobs().Get(m.Ref)
	if err != nil {
		t.Fatalf("blob %s not stored: %v", m.Ref, err)
	}
	rc.Close()
}

func TestAttach_AcceptsAudioByMediaTypeAlone(t *testing.T) {
	in, st := newTestIntake(t, 1<<20, 10)
	id := newSession(t, st)

	_, err := in.Attach(id, Descriptor{
		Kind:      models.MaterialAudio,
		Name:      "blob",
		MediaType: "application/octet-stream",
		Data:      strings.NewReader("x"),
	})
	if err != nil {
		t.Fatalf("Attach() error = %v, want octet-stream accepted", err)
	}
}

func TestAttach_PayloadTooLarge(t *testing.T) {
	in, st := newTestIntake(t, 8, 10)
	id := newSession(t, st)

	_, err := in.Attach(id, Descriptor{
		Kind:      models.MaterialAudio,
		Name:      "lecture.mp3",
		MediaType: "audio/mpeg",
		Data:      strings.NewReader("more than eight bytes"),
	})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Attach() error = %v, want ErrPayloadTooLarge", err)
	}

	ses, _ := st.Get(id)
	if len(ses.Materials) != 0 {
		t.Error("oversized upload should not be recorded")
	}

	dir, err := st.Blobs().Path(id + "/materials")
	if err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("oversized blob should be removed, found %d files", len(entries))
	}
}

func TestAttach_DuplicateContentIsIdempotent(t *testing.T) {
	in, st := newTestIntake(t, 1<<20, 10)
	id := newSession(t, st)

	first, err := in.Attach(id, Descriptor{
		Kind: models.MaterialAudio, Name: "lecture.mp3",
		MediaType: "audio/mpeg", Data: strings.NewReader("same bytes"),
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := in.Attach(id, Descriptor{
		Kind: models.MaterialAudio, Name: "copy-of-lecture.mp3",
		MediaType: "audio/mpeg", Data: strings.NewReader("same bytes"),
	})
	if err != nil {
		t.Fatalf("re-attach of identical bytes = %v, want existing material", err)
	}
	if second.ContentHash != first.ContentHash || second.Ref != first.Ref {
		t.Errorf("re-attach returned %+v, want the original attachment", second)
	}

	ses, _ := st.Get(id)
	if len(ses.Materials) != 1 {
		t.Errorf("len(Materials) = %d, want 1", len(ses.Materials))
	}
}

func TestAttach_SecondAudioRejected(t *testing.T) {
	in, st := newTestIntake(t, 1<<20, 10)
	id := newSession(t, st)

	if _, err := in.Attach(id, Descriptor{
		Kind: models.MaterialAudio, Name: "one.mp3",
		MediaType: "audio/mpeg", Data: strings.NewReader("recording one"),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := in.Attach(id, Descriptor{
		Kind: models.MaterialAudio, Name: "two.mp3",
		MediaType: "audio/mpeg", Data: strings.NewReader("recording two"),
	})
	if !errors.Is(err, ErrDuplicateAudio) {
		t.Fatalf("Attach() error = %v, want ErrDuplicateAudio", err)
	}
}

func TestAttach_RejectedSameNameAudioKeepsOriginalBlob(t *testing.T) {
	in, st := newTestIntake(t, 1<<20, 10)
	id := newSession(t, st)

	first, err := in.Attach(id, Descriptor{
		Kind: models.MaterialAudio, Name: "rec.mp3",
		MediaType: "audio/mpeg", Data: strings.NewReader("original recording"),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = in.Attach(id, Descriptor{
		Kind: models.MaterialAudio, Name: "rec.mp3",
		MediaType: "audio/mpeg", Data: strings.NewReader("a different recording"),
	})
	if !errors.Is(err, ErrDuplicateAudio) {
		t.Fatalf("Attach() error = %v, want ErrDuplicateAudio", err)
	}

	rc, err := st.Blobs().Get(first.Ref)
	if err != nil {
		t.Fatalf("original blob %s gone after rejected attach: %v", first.Ref, err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original recording" {
		t.Errorf("original blob = %q, want %q", got, "original recording")
	}
}

func TestAttach_SameNameDocumentsKeepSeparateBlobs(t *testing.T) {
	in, st := newTestIntake(t, 1<<20, 10)
	id := newSession(t, st)

	first, err := in.Attach(id, Descriptor{
		Kind: models.MaterialDocument, Name: "notes.pdf",
		MediaType: "application/pdf", Data: strings.NewReader("first pdf"),
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := in.Attach(id, Descriptor{
		Kind: models.MaterialDocument, Name: "notes.pdf",
		MediaType: "application/pdf", Data: strings.NewReader("second pdf"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if first.Ref == second.Ref {
		t.Fatalf("same-named documents share ref %q", first.Ref)
	}

	for _, tc := range []struct {
		m    *models.SourceMaterial
		want string
	}{
		{first, "first pdf"},
		{second, "second pdf"},
	} {
		rc, err := st.Blobs().Get(tc.m.Ref)
		if err != nil {
			t.Fatalf("blob %s: %v", tc.m.Ref, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != tc.want {
			t.Errorf("blob %s = %q, want %q", tc.m.Ref, got, tc.want)
		}
	}
}

func TestAttach_MaterialLimit(t *testing.T) {
	in, st := newTestIntake(t, 1<<20, 1)
	id := newSession(t, st)

	if _, err := in.Attach(id, Descriptor{
		Kind: models.MaterialAudio, Name: "one.mp3",
		MediaType: "audio/mpeg", Data: strings.NewReader("recording"),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := in.Attach(id, Descriptor{
		Kind: models.MaterialDocument, Name: "notes.pdf",
		MediaType: "application/pdf", Data: strings.NewReader("pdf bytes"),
	})
	if !errors.Is(err, ErrTooManyMaterials) {
		t.Fatalf("Attach() error = %v, want ErrTooManyMaterials", err)
	}
}

func TestAttach_AfterProcessingStarted(t *testing.T) {
	in, st := newTestIntake(t, 1<<20, 10)
	id := newSession(t, st)

	if _, err := in.Attach(id, Descriptor{
		Kind: models.MaterialAudio, Name: "lecture.mp3",
		MediaType: "audio/mpeg", Data: strings.NewReader("recording"),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := st.Update(id, func(s *models.Session) error {
		s.Stage = models.StageExtracting
		s.Status = models.StatusRunning
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	_, err := in.Attach(id, Descriptor{
		Kind: models.MaterialDocument, Name: "notes.pdf",
		MediaType: "application/pdf", Data: strings.NewReader("pdf bytes"),
	})
	if !errors.Is(err, ErrInvalidSessionState) {
		t.Fatalf("Attach() error = %v, want ErrInvalidSessionState", err)
	}

	ses, _ := st.Get(id)
	if len(ses.Materials) != 1 {
		t.Errorf("len(Materials) = %d, want 1 (attach after start must not change the list)", len(ses.Materials))
	}
}

func TestAttach_Link(t *testing.T) {
	in, st := newTestIntake(t, 1<<20, 10)
	id := newSession(t, st)

	m, err := in.Attach(id, Descriptor{
		Kind: models.MaterialLink,
		Name: "guideline",
		URL:  "https://example.org/sepsis-guideline",
	})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if m.Ref != "https://example.org/sepsis-guideline" {
		t.Errorf("Ref = %q, want the URL itself", m.Ref)
	}
	if m.SizeBytes != 0 {
		t.Errorf("SizeBytes = %d, want 0 for links", m.SizeBytes)
	}
}

func TestAttach_SessionNotFound(t *testing.T) {
	in, _ := newTestIntake(t, 1<<20, 10)

	_, err := in.Attach("ses-deadbeef", Descriptor{
		Kind: models.MaterialAudio, Name: "lecture.mp3",
		MediaType: "audio/mpeg", Data: strings.NewReader("x"),
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Attach() error = %v, want ErrNotFound", err)
	}
}

func TestMatchFormat(t *testing.T) {
	tests := []struct {
		name      string
		fileName  string
		mediaType string
		want      bool
	}{
		{"mp3 extension", "Lecture.MP3", "", true},
		{"wav extension", "rounds.wav", "", true},
		{"media type only", "upload", "audio/ogg", true},
		{"neither", "notes.txt", "text/plain", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchFormat(tt.fileName, tt.mediaType, audioExtensions, audioMediaTypes)
			if got != tt.want {
				t.Errorf("matchFormat(%q, %q) = %v, want %v", tt.fileName, tt.mediaType, got, tt.want)
			}
		})
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"lecture.mp3", "lecture.mp3"},
		{"../../etc/passwd", "passwd"},
		{"C:\\Users\\doc\\rounds.mp3", "rounds.mp3"},
		{"", "upload"},
		{"/", "upload"},
	}

	for _, tt := range tests {
		if got := safeName(tt.in); got != tt.want {
			t.Errorf("safeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
