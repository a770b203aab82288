package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/reid/internal/identity"
	"github.com/your-org/reid/pkg/dto"
)

// Identities exposes the shared identity catalog.
type Identities interface {
	Stats() identity.Stats
	TodayCount(ctx context.Context) int
	Get(id string) (identity.Info, bool)
}

// LiveCounts is the part of the camera manager the identity endpoints read.
type LiveCounts interface {
	ActiveCount() int
	UniqueCount() int
	ResetAllIdentities(ctx context.Context)
}

// LiveCameras is everything the API needs from the camera manager.
type LiveCameras interface {
	Cameras
	LiveCounts
}

type IdentityHandler struct {
	identities Identities
	live       LiveCounts
}

func NewIdentityHandler(identities Identities, live LiveCounts) *IdentityHandler {
	return &IdentityHandler{identities: identities, live: live}
}

func (h *IdentityHandler) Stats(c *gin.Context) {
	st := h.identities.Stats()
	c.JSON(http.StatusOK, dto.IdentityStatsResponse{
		Total:         st.Total,
		Confirmed:     st.Confirmed,
		Pending:       st.Pending,
		Active:        st.Active,
		Today:         h.identities.TodayCount(c.Request.Context()),
		Unique:        h.live.UniqueCount(),
		ActiveCameras: h.live.ActiveCount(),
		PerCamera:     st.PerCamera,
		Matches:       st.Matches,
		Created:       st.Created,
		Rejected:      st.Rejected,
	})
}

func (h *IdentityHandler) Get(c *gin.Context) {
	info, ok := h.identities.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return
	}
	c.JSON(http.StatusOK, dto.IdentityResponse{
		ID:            info.ID,
		FirstCamera:   info.FirstCamera,
		LastCamera:    info.LastCamera,
		Cameras:       info.Cameras,
		MatchCount:    info.MatchCount,
		Confirmed:     info.Confirmed,
		MaxConfidence: info.MaxConfidence,
		FirstSeen:     info.FirstSeen.UTC().Format("2006-01-02T15:04:05Z"),
		LastActive:    info.LastActive.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// Reset clears every identity and per-camera tracking state.
func (h *IdentityHandler) Reset(c *gin.Context) {
	h.live.ResetAllIdentities(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}
