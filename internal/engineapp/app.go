// Package engineapp wires the eight C1-C8 components into one runnable
// engine process: one Session per active lesson playback, a shared SSEHub
// and ChunkStore, and the background tickers (frame cadence, buffer
// cleanup, pre-generation queue drain) the components assume something outside them
// drives. Unlike a single global service, an App here owns a map of
// independent Sessions because one engine process serves many concurrent
// lessons.
package engineapp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lessonstream/engine/internal/audio"
	"github.com/lessonstream/engine/internal/coordinator"
	"github.com/lessonstream/engine/internal/graph"
	"github.com/lessonstream/engine/internal/httpapi"
	"github.com/lessonstream/engine/internal/httpapi/auth"
	"github.com/lessonstream/engine/internal/platform/config"
	"github.com/lessonstream/engine/internal/platform/envutil"
	"github.com/lessonstream/engine/internal/platform/logger"
	"github.com/lessonstream/engine/internal/platform/neo4jdb"
	"github.com/lessonstream/engine/internal/platform/telemetry"
	"github.com/lessonstream/engine/internal/pregen"
	"github.com/lessonstream/engine/internal/realtime"
	"github.com/lessonstream/engine/internal/realtime/bus"
	"github.com/lessonstream/engine/internal/storage"
)

// App is the process-wide composition root: one shared SSEHub, one
// ChunkStore, an optional Neo4j client for the concept-graph export, and a
// registry of per-lesson Sessions.
type App struct {
	Log *logger.Logger
	cfg config.Config

	hub *realtime.SSEHub
	sseBus bus.Bus
	store storage.ChunkStore
	neo4j *neo4jdb.Client
	issuer *auth.TokenIssuer
	adminAuth *auth.AdminAuth
	otelShutdown func(context.Context) error

	httpServer *http.Server

	mu sync.RWMutex
	sessions map[string]*Session
}

// New loads configuration, builds the shared platform singletons (logger
// already constructed by the caller "no package-level logger"
// — engineapp itself holds the one instance passed to every component),
// and returns an otherwise-empty App ready to host Sessions.
func New(log *logger.Logger) (*App, error) {
	cfg, err := config.Load(log)
	if err != nil {
		return nil, fmt.Errorf("engineapp: load config: %w", err)
	}

	store, err := storage.New(log, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("engineapp: storage backend %q: %w", cfg.Storage.Backend, err)
	}

	neo4jClient, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		log.Warn("engineapp: neo4j unavailable, concept-graph export disabled", "error", err)
		neo4jClient = nil
	}

	issuer, err := auth.NewTokenIssuer(sessionSecret(), time.Hour)
	if err != nil {
		return nil, fmt.Errorf("engineapp: %w", err)
	}

	adminAuth, err := auth.NewAdminAuth(envutil.String("LESSONSTREAM_ADMIN_KEY", ""))
	if err != nil {
		return nil, fmt.Errorf("engineapp: admin key: %w", err)
	}

	shutdown := telemetry.Init(context.Background(), log, cfg.Telemetry)

	hub := realtime.NewSSEHub(log)
	var sseBus bus.Bus
	if envutil.String("LESSONSTREAM_SSE_BUS", "") == "redis" {
		redisBus, err := bus.NewRedisBus(log)
		if err != nil {
			log.Warn("engineapp: redis SSE bus unavailable, falling back to single-process delivery", "error", err)
		} else if err := hub.AttachBus(context.Background(), redisBus); err != nil {
			log.Warn("engineapp: redis SSE bus forwarder failed to start", "error", err)
			_ = redisBus.Close()
		} else {
			sseBus = redisBus
		}
	}

	return &App{
		Log: log,
		cfg: cfg,
		hub: hub,
		sseBus: sseBus,
		store: store,
		neo4j: neo4jClient,
		issuer: issuer,
		adminAuth: adminAuth,
		otelShutdown: shutdown,
		sessions: make(map[string]*Session),
	}, nil
}

// Issuer exposes the token issuer so callers (a lesson-creation endpoint
// outside this package's scope) can mint a session's first bearer token.
func (a *App) Issuer() *auth.TokenIssuer { return a.issuer }

// Hub exposes the shared SSE hub for wiring into the HTTP control plane.
func (a *App) Hub() *realtime.SSEHub { return a.hub }

// CreateSession builds and starts a new lesson Session with a fresh
// lowercase-hex id, registers it, and returns it.
func (a *App) CreateSession() *Session {
	id := uuid.NewString()
	sess := newSession(id, a.Log, a.cfg, a.hub, a.store, a.neo4j)
	a.mu.Lock()
	a.sessions[id] = sess
	a.mu.Unlock()
	sess.Start()
	return sess
}

// RemoveSession stops and unregisters a session.
func (a *App) RemoveSession(id string) {
	a.mu.Lock()
	sess, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// Get implements httpapi.Registry.
func (a *App) Get(sessionID string) (httpapi.Session, bool) {
	a.mu.RLock()
	sess, ok := a.sessions[sessionID]
	a.mu.RUnlock()
	if !ok {
		return httpapi.Session{}, false
	}
	return sess.httpSession(), true
}

// Create implements httpapi.Registry: the HTTP-facing counterpart of
// CreateSession, returning the narrow view the control plane needs rather
// than the full *Session.
func (a *App) Create() httpapi.Session {
	return a.CreateSession().httpSession()
}

var _ httpapi.Registry = (*App)(nil)

// Serve builds the gin-based control plane and serves it on addr,
// blocking until ctx is cancelled or the listener errors.
func (a *App) Serve(ctx context.Context, addr string) error {
	server := httpapi.New(a.Log, config.HTTPAPIConfig{ListenAddr: addr, CORSOrigins: a.cfg.HTTPAPI.CORSOrigins}, a, a.hub, a.issuer, a.adminAuth)
	a.httpServer = httpapi.NewHTTPServer(addr, server)

	errCh := make(chan error, 1)
	go func() { errCh <- a.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close shuts every session down in dependency-reverse order , then the process-wide
// singletons.
func (a *App) Close() {
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*Session)
	a.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	if a.sseBus != nil {
		_ = a.sseBus.Close()
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.otelShutdown(ctx)
	}
	a.Log.Sync()
}

// --- pregen / audio external collaborators ---

// Generator is the content-generation callback C2 invokes per request
//. The engine never implements this itself;
// it is the LLM/content pipeline's responsibility, which this repository
// treats strictly as an external collaborator. A Session without one
// registered fails every generation request with ErrGenerationFailure, so
// the pipeline still behaves per spec (retry, backoff, drop) with no
// generator wired.
type Generator = pregen.Generator

// Decoder is the audio-decode callback C5 invokes.
// Same externality as Generator.
type Decoder = audio.Decoder

func sessionSecret() string {
	if v := envutil.String("LESSONSTREAM_SESSION_SECRET", ""); v != "" {
		return v
	}
	// A fixed development fallback keeps local runs working without
	// operator setup; production deployments must set the env var.
	return "lessonstream-dev-secret-change-me"
}

// exportConceptGraph is best-effort and optional: a missing
// Neo4j client is not an error, it just skips the write.
func exportConceptGraph(ctx context.Context, log *logger.Logger, client *neo4jdb.Client, lessonID string, coord *coordinator.Coordinator) {
	if client == nil {
		return
	}
	if err := graph.ExportFromCoordinator(ctx, client, log, lessonID, coord); err != nil {
		log.Warn("engineapp: concept-graph export failed", "lesson_id", lessonID, "error", err)
	}
}
