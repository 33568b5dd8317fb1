// Package httpapi is the engine's HTTP control plane: play/pause/seek/
// speed/volume over REST, plus an SSE stream of the same
// stateChanged/positionChanged/... notifications the control surface a
// streaming client needs.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lessonstream/engine/internal/httpapi/auth"
	"github.com/lessonstream/engine/internal/platform/config"
	"github.com/lessonstream/engine/internal/platform/logger"
	"github.com/lessonstream/engine/internal/realtime"
)

// EnvironmentSample is the wire shape of a client-reported
// network/device/behavior reading, kept local to avoid importing
// internal/playback's sample types into the HTTP layer.
type EnvironmentSample struct {
	NetworkEffectiveType string `json:"networkEffectiveType"`
	NetworkDownlinkMbps float64 `json:"networkDownlinkMbps"`
	NetworkRTTMS int64 `json:"networkRttMs"`
	NetworkSaveData bool `json:"networkSaveData"`
	DeviceMemory string `json:"deviceMemory"`
	DeviceCores int `json:"deviceCores"`
	BehaviorSeekFrequency float64 `json:"behaviorSeekFrequency"`
	BehaviorCompletionRate float64 `json:"behaviorCompletionRate"`
	BehaviorPauseFrequency float64 `json:"behaviorPauseFrequency"`
}

// StrategyResult is the wire shape of the adaptive buffer controller's
// derived strategy, mirroring internal/playback.Strategy.
type StrategyResult struct {
	MinBufferSize int64 `json:"minBufferSize"`
	TargetBufferSize int64 `json:"targetBufferSize"`
	MaxBufferSize int64 `json:"maxBufferSize"`
	AggressivePreloading bool `json:"aggressivePreloading"`
	QualityAdaptation bool `json:"qualityAdaptation"`
	MemoryConscious bool `json:"memoryConscious"`
	MaxConcurrentLoads int `json:"maxConcurrentLoads"`
}

// DurationReport is the wire shape of a client reporting an audio chunk's
// actually-measured playback duration, mirroring
// internal/audio.RecalibrationResult.
type DurationReport struct {
	Adjustments int `json:"adjustments"`
	TotalDuration int64 `json:"totalDuration"`
	Recalibrated bool `json:"recalibrated"`
}

// Session is the narrow view of a playback.Controller the HTTP layer needs,
// kept local to avoid importing internal/playback's full surface.
type Session struct {
	ID string
	Play func()
	Pause func()
	Seek func(position int64) (resultPosition int64, wasImmediate bool)
	SetSpeed func(speed float64) error
	SetVolume func(volume float64)
	State func() string
	CurrentPosition func() int64
	Environment func(sample EnvironmentSample) StrategyResult
	ReportDuration func(chunkID string, measuredMS int64) (DurationReport, error)
}

// Registry looks up a live Session by ID and creates new ones.
// internal/engineapp implements this over its map of playback controllers,
// one per active lesson session.
type Registry interface {
	Get(sessionID string) (Session, bool)
	Create() Session
}

// Server is the gin-based control plane.
type Server struct {
	engine *gin.Engine
	hub *realtime.SSEHub
}

// New builds the router: CORS, otelgin tracing, bearer-auth-protected
// session endpoints, and an SSE stream endpoint.
func New(log *logger.Logger, cfg config.HTTPAPIConfig, registry Registry, hub *realtime.SSEHub, issuer *auth.TokenIssuer, admin *auth.AdminAuth) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("lessonstream-engine"))
	engine.Use(attachTraceData())
	engine.Use(requestLogger(log))
	engine.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	engine.GET("/healthz", handleHealthz)
	engine.POST("/api/v1/sessions", admin.RequireAdminKey(), handleCreateSession(registry, issuer))

	sessions := engine.Group("/api/v1/sessions/:id")
	sessions.Use(auth.RequireSession(issuer))
	{
		sessions.POST("/play", handlePlay(registry))
		sessions.POST("/pause", handlePause(registry))
		sessions.POST("/seek", handleSeek(registry))
		sessions.POST("/speed", handleSpeed(registry))
		sessions.POST("/volume", handleVolume(registry))
		sessions.GET("/state", handleState(registry))
		sessions.GET("/stream", handleStream(log, hub))
		sessions.POST("/environment", handleEnvironment(registry))
		sessions.POST("/chunks/:chunkId/duration", handleReportDuration(registry))
	}

	return &Server{engine: engine, hub: hub}
}

// Handler exposes the gin engine as a standard http.Handler for use with an
// http.Server (so engineapp can set ReadHeaderTimeout etc. the way the
// teacher's NewServer does).
func (s *Server) Handler() http.Handler { return s.engine }

// NewHTTPServer wraps Handler in an *http.Server with sane timeouts.
func NewHTTPServer(addr string, s *Server) *http.Server {
	return &http.Server{
		Addr: addr,
		Handler: s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
