package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hybridgroup/mjpeg"

	"github.com/your-org/reid/internal/live"
	"github.com/your-org/reid/pkg/dto"
)

// Cameras is the live pipeline surface the HTTP API drives.
type Cameras interface {
	Start(ctx context.Context, cameraID, url string) error
	Stop(cameraID string) error
	Cameras(ctx context.Context) []live.CameraInfo
	Stream(cameraID string) (*mjpeg.Stream, error)
	Persons(ctx context.Context, cameraID string) ([]live.TrackedPerson, error)
}

type CameraHandler struct {
	cameras Cameras
}

func NewCameraHandler(cameras Cameras) *CameraHandler {
	return &CameraHandler{cameras: cameras}
}

func (h *CameraHandler) Start(c *gin.Context) {
	var req dto.StartCameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.cameras.Start(c.Request.Context(), req.CameraID, req.URL)
	switch {
	case errors.Is(err, live.ErrCameraRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "starting", "camera_id": req.CameraID})
}

func (h *CameraHandler) Stop(c *gin.Context) {
	id := c.Param("id")
	if err := h.cameras.Stop(id); err != nil {
		if errors.Is(err, live.ErrCameraNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stopped", "camera_id": id})
}

func (h *CameraHandler) List(c *gin.Context) {
	cams := h.cameras.Cameras(c.Request.Context())
	resp := make([]dto.CameraResponse, 0, len(cams))
	for _, cam := range cams {
		resp = append(resp, dto.CameraResponse{
			ID:           cam.ID,
			URL:          cam.URL,
			State:        string(cam.State),
			CurrentCount: cam.CurrentCount,
			StreamURL:    "/v1/cameras/" + cam.ID + "/stream",
			StartedAt:    cam.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	c.JSON(http.StatusOK, dto.CameraListResponse{Cameras: resp, Total: len(resp)})
}

func (h *CameraHandler) Persons(c *gin.Context) {
	id := c.Param("id")
	persons, err := h.cameras.Persons(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, live.ErrCameraNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.TrackedPersonResponse, 0, len(persons))
	for _, p := range persons {
		resp = append(resp, dto.TrackedPersonResponse{
			Identity:   p.Identity,
			TrackID:    p.TrackID,
			BBox:       [4]int{p.Box.X, p.Box.Y, p.Box.W, p.Box.H},
			Confidence: p.Confidence,
			Confirmed:  p.Confirmed,
		})
	}
	c.JSON(http.StatusOK, dto.CameraPersonsResponse{CameraID: id, Persons: resp, Count: len(resp)})
}

// Stream serves annotated frames as multipart MJPEG until the client goes away.
func (h *CameraHandler) Stream(c *gin.Context) {
	stream, err := h.cameras.Stream(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
		return
	}
	stream.ServeHTTP(c.Writer, c.Request)
}
