package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ffsho/AttendanceSystem/internal/api/handlers"
	"github.com/ffsho/AttendanceSystem/internal/api/ws"
	"github.com/ffsho/AttendanceSystem/internal/auth"
	"github.com/ffsho/AttendanceSystem/internal/gallery"
	"github.com/ffsho/AttendanceSystem/internal/models"
)

type RouterConfig struct {
	APIKey string
	// Kind is the identity kind of the deployment's institution mode.
	Kind            models.Kind
	Location        *time.Location
	StatsWindowDays int
	Threshold       float64

	Identities handlers.IdentityStore
	Attendance handlers.AttendanceStore
	Samples    handlers.SampleSearcher
	Objects    handlers.SampleObjects
	Notifier   handlers.GalleryNotifier
	// Enroller and Embedder are nil when the vision models are not loaded.
	Enroller handlers.Enroller
	Embedder gallery.Embedder
	Checks   map[string]handlers.Check
	Hub      *ws.Hub
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.New(corsConfig()))

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	identityH := handlers.NewIdentityHandler(cfg.Identities, cfg.Objects, cfg.Enroller, cfg.Notifier, cfg.Kind)
	v1.POST("/identities", identityH.Create)
	v1.GET("/identities", identityH.List)
	v1.GET("/identities/:id", identityH.Get)
	v1.DELETE("/identities/:id", identityH.Delete)
	v1.GET("/identities/:id/samples", identityH.Samples)

	attendanceH := handlers.NewAttendanceHandler(cfg.Attendance, cfg.Kind, cfg.Location, cfg.StatsWindowDays)
	v1.GET("/attendance", attendanceH.List)
	v1.GET("/attendance/today", attendanceH.Today)
	v1.GET("/attendance/search", attendanceH.Search)
	v1.GET("/attendance/by-date", attendanceH.ByDate)
	v1.DELETE("/attendance/:id", attendanceH.Delete)

	searchH := handlers.NewSearchHandler(cfg.Samples, cfg.Embedder, cfg.Kind, cfg.Threshold)
	v1.POST("/search", searchH.Search)

	return r
}

func corsConfig() cors.Config {
	c := cors.DefaultConfig()
	c.AllowAllOrigins = true
	c.AllowHeaders = append(c.AllowHeaders, auth.HeaderName)
	return c
}
