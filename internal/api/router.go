package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/reid/internal/api/handlers"
	"github.com/your-org/reid/internal/api/ws"
	"github.com/your-org/reid/internal/auth"
)

type RouterConfig struct {
	APIKey     string
	UploadDir  string
	Cameras    handlers.LiveCameras
	Identities handlers.Identities
	Jobs       handlers.Jobs
	Objects    handlers.ObjectReader  // optional
	Results    handlers.ResultDeleter // optional
	Checks     map[string]handlers.Check
	Hub        *ws.Hub
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Cameras
	camH := handlers.NewCameraHandler(cfg.Cameras)
	v1.POST("/cameras", camH.Start)
	v1.GET("/cameras", camH.List)
	v1.DELETE("/cameras/:id", camH.Stop)
	v1.GET("/cameras/:id/persons", camH.Persons)
	v1.GET("/cameras/:id/stream", camH.Stream)

	// Identities
	idH := handlers.NewIdentityHandler(cfg.Identities, cfg.Cameras)
	v1.GET("/identities/stats", idH.Stats)
	v1.GET("/identities/:id", idH.Get)
	v1.POST("/identities/reset", idH.Reset)

	// Videos
	videoH := handlers.NewVideoHandler(cfg.Jobs, cfg.UploadDir, cfg.Objects, cfg.Results)
	v1.POST("/videos", videoH.Upload)
	v1.GET("/videos", videoH.List)
	v1.GET("/videos/:id", videoH.Status)
	v1.GET("/videos/:id/summary", videoH.Summary)
	v1.GET("/videos/:id/thumbnails/:identity", videoH.Thumbnail)
	v1.POST("/videos/:id/cancel", videoH.Cancel)
	v1.DELETE("/videos/:id", videoH.Delete)

	return r
}
