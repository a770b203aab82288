package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/reid/internal/models"
	"github.com/your-org/reid/internal/storage"
	"github.com/your-org/reid/internal/video"
	"github.com/your-org/reid/pkg/dto"
)

// Jobs is the video batch pipeline surface the HTTP API drives.
type Jobs interface {
	Submit(ctx context.Context, fileRef string, frameSkip int, extract bool) (string, error)
	GetStatus(jobID string) (video.Status, error)
	GetSummary(jobID string) (models.JobResult, error)
	Cancel(jobID string) (bool, error)
	ListJobs() []video.Status
	Cleanup(ctx context.Context, jobID string) error
}

// ObjectReader fetches stored thumbnails.
type ObjectReader interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// ResultDeleter removes persisted job results.
type ResultDeleter interface {
	DeleteJobResults(ctx context.Context, jobID string) error
}

type VideoHandler struct {
	jobs      Jobs
	uploadDir string
	objects   ObjectReader  // optional
	results   ResultDeleter // optional
}

func NewVideoHandler(jobs Jobs, uploadDir string, objects ObjectReader, results ResultDeleter) *VideoHandler {
	return &VideoHandler{jobs: jobs, uploadDir: uploadDir, objects: objects, results: results}
}

// Upload stores a multipart "file" under the upload directory and queues a job for it.
func (h *VideoHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	frameSkip := 0
	if v := c.PostForm("frame_skip"); v != "" {
		frameSkip, err = strconv.Atoi(v)
		if err != nil || frameSkip < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "frame_skip must be a positive integer"})
			return
		}
	}

	extract := false
	if v := c.PostForm("extract_features"); v != "" {
		extract, err = strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "extract_features must be a boolean"})
			return
		}
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	dst := filepath.Join(h.uploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(file.Filename)))
	if err := c.SaveUploadedFile(file, dst); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}

	jobID, err := h.jobs.Submit(c.Request.Context(), dst, frameSkip, extract)
	if err != nil {
		_ = os.Remove(dst)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitVideoResponse{JobID: jobID, Status: string(video.StateQueued)})
}

func (h *VideoHandler) List(c *gin.Context) {
	jobs := h.jobs.ListJobs()
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

func (h *VideoHandler) Status(c *gin.Context) {
	st, err := h.jobs.GetStatus(c.Param("id"))
	if err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *VideoHandler) Summary(c *gin.Context) {
	res, err := h.jobs.GetSummary(c.Param("id"))
	if err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *VideoHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	cancelled, err := h.jobs.Cancel(id)
	if err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.CancelVideoResponse{JobID: id, Cancelled: cancelled})
}

// Delete removes a finished job with its thumbnails, stored results and upload.
func (h *VideoHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	st, err := h.jobs.GetStatus(id)
	if err != nil {
		writeJobError(c, err)
		return
	}
	if err := h.jobs.Cleanup(c.Request.Context(), id); err != nil {
		writeJobError(c, err)
		return
	}

	if h.results != nil {
		if err := h.results.DeleteJobResults(c.Request.Context(), id); err != nil {
			slog.Warn("delete job results", "job_id", id, "error", err)
		}
	}
	if h.ownsUpload(st.FileRef) {
		if err := os.Remove(st.FileRef); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("remove upload", "job_id", id, "file", st.FileRef, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Thumbnail serves the best-frame crop of one identity in a completed job.
func (h *VideoHandler) Thumbnail(c *gin.Context) {
	if h.objects == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thumbnails are not stored"})
		return
	}
	res, err := h.jobs.GetSummary(c.Param("id"))
	if err != nil {
		writeJobError(c, err)
		return
	}

	key := ""
	for _, p := range res.Persons {
		if p.IdentityID == c.Param("identity") {
			key = p.ThumbnailKey
			break
		}
	}
	if key == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "thumbnail not found"})
		return
	}

	data, err := h.objects.GetObject(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thumbnail not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (h *VideoHandler) ownsUpload(path string) bool {
	dir, err := filepath.Abs(h.uploadDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return filepath.Dir(abs) == dir
}

func writeJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, video.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, video.ErrNotCompleted), errors.Is(err, video.ErrJobActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
