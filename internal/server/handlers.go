package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/obrennan/clinicast/internal/intake"
	"github.com/obrennan/clinicast/internal/models"
	"github.com/obrennan/clinicast/internal/pipeline"
	"github.com/obrennan/clinicast/internal/status"
	"github.com/obrennan/clinicast/internal/store"
)

type handlers struct {
	store  *store.Store
	intake *intake.Intake
	runner *pipeline.Runner
}

type createSessionRequest struct {
	SummaryMinutes int               `json:"summary_minutes"`
	VoiceStyle     string            `json:"voice_style"`
	SummaryStyle   string            `json:"summary_style"`
	FocusAreas     []string          `json:"focus_areas"`
	CustomTerms    map[string]string `json:"custom_terms"`
}

type linkMaterialRequest struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) createSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	ses, err := h.store.Create(store.SessionConfig{
		SummaryMinutes: req.SummaryMinutes,
		VoiceStyle:     req.VoiceStyle,
		SummaryStyle:   req.SummaryStyle,
		FocusAreas:     req.FocusAreas,
		CustomTerms:    req.CustomTerms,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id": ses.ID,
		"stage":      ses.Stage,
		"status":     ses.Status,
		"created_at": ses.CreatedAt,
		"expires_at": ses.ExpiresAt,
	})
}

func (h *handlers) getSession(c *gin.Context) {
	ses, err := h.store.Get(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	materials := make([]gin.H, 0, len(ses.Materials))
	for _, m := range ses.Materials {
		materials = append(materials, gin.H{
			"kind":       m.Kind,
			"name":       m.Name,
			"media_type": m.MediaType,
			"size_bytes": m.SizeBytes,
			"hash":       m.ContentHash,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"snapshot":  status.FromSession(ses),
		"materials": materials,
	})
}

func (h *handlers) deleteSession(c *gin.Context) {
	id := c.Param("id")

	ses, err := h.store.Get(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if ses.Status == models.StatusRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "session is processing; cancel it first"})
		return
	}

	if err := h.store.Delete(id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) attachMaterial(c *gin.Context) {
	id := c.Param("id")

	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req linkMaterialRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if req.Kind == "" {
			req.Kind = models.MaterialLink
		}
		m, err := h.intake.Attach(id, intake.Descriptor{
			Kind: req.Kind,
			Name: req.Name,
			URL:  req.URL,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, materialResponse(m))
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	kind := c.PostForm("kind")
	if kind == "" {
		kind = models.MaterialAudio
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open upload: " + err.Error()})
		return
	}
	defer f.Close()

	m, err := h.intake.Attach(id, intake.Descriptor{
		Kind:      kind,
		Name:      file.Filename,
		MediaType: file.Header.Get("Content-Type"),
		Data:      f,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, materialResponse(m))
}

func (h *handlers) startProcessing(c *gin.Context) {
	run, err := h.runner.Start(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":       run.ID,
		"session_state": models.StatusRunning,
		"stage":         run.Stage,
	})
}

func (h *handlers) getStatus(c *gin.Context) {
	snap, err := status.Project(h.store, c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) cancel(c *gin.Context) {
	if err := h.runner.Cancel(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": models.StatusCancelled})
}

func (h *handlers) downloadArtifact(c *gin.Context) {
	ses, err := h.store.Get(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	artifact := ses.ArtifactFor(c.Param("stage"))
	if artifact == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no artifact for stage " + c.Param("stage")})
		return
	}

	rc, err := h.store.Blobs().Get(artifact.Ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read artifact: " + err.Error()})
		return
	}
	defer rc.Close()

	c.Header("Content-Type", artifact.MediaType)
	c.Status(http.StatusOK)
	io.Copy(c.Writer, rc)
}

func materialResponse(m *models.SourceMaterial) gin.H {
	return gin.H{
		"kind":       m.Kind,
		"name":       m.Name,
		"size_bytes": m.SizeBytes,
		"hash":       m.ContentHash,
		"position":   m.Position,
	}
}

// abortWithError maps component errors onto HTTP status codes.
func abortWithError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, intake.ErrPayloadTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, intake.ErrUnsupportedMediaKind):
		code = http.StatusUnsupportedMediaType
	case errors.Is(err, intake.ErrInvalidReference),
		errors.Is(err, store.ErrInvalidConfiguration),
		errors.Is(err, intake.ErrTooManyMaterials):
		code = http.StatusBadRequest
	case errors.Is(err, intake.ErrInvalidSessionState),
		errors.Is(err, intake.ErrDuplicateAudio),
		errors.Is(err, pipeline.ErrConflictingRun),
		errors.Is(err, pipeline.ErrPreconditionFailed):
		code = http.StatusConflict
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
