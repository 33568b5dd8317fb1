package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/lessonstream/engine/internal/httpapi/auth"
	"github.com/lessonstream/engine/internal/platform/config"
	"github.com/lessonstream/engine/internal/platform/logger"
	"github.com/lessonstream/engine/internal/realtime"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

type fakeRegistry struct {
	sessions map[string]Session
	nextID   int
}

func (r *fakeRegistry) Get(id string) (Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *fakeRegistry) Create() Session {
	r.nextID++
	id := fmt.Sprintf("created-%d", r.nextID)
	sess, _, _ := newFakeSession(id)
	if r.sessions == nil {
		r.sessions = make(map[string]Session)
	}
	r.sessions[id] = sess
	return sess
}

func newFakeSession(id string) (Session, *int64, *string) {
	pos := new(int64)
	state := new(string)
	*state = "stopped"
	return Session{
		ID: id,
		Play: func() { *state = "playing" },
		Pause: func() { *state = "paused" },
		Seek: func(p int64) (int64, bool) { *pos = p; return p, true },
		SetSpeed: func(x float64) error { return nil },
		SetVolume: func(v float64) {},
		State: func() string { return *state },
		CurrentPosition: func() int64 { return *pos },
	}, pos, state
}

func testServer(t *testing.T) (*Server, string) {
	gin.SetMode(gin.TestMode)
	sess, _, _ := newFakeSession("s1")
	registry := &fakeRegistry{sessions: map[string]Session{"s1": sess}}
	hub := realtime.NewSSEHub(mustTestLogger(t))
	issuer, err := auth.NewTokenIssuer("test-secret", 0)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	token, err := issuer.Issue("s1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	srv := New(mustTestLogger(t), config.HTTPAPIConfig{CORSOrigins: []string{"*"}}, registry, hub, issuer, nil)
	return srv, token
}

func TestHealthzUnauthenticated(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestPlayRequiresAuth(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/play", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestPlayWithValidToken(t *testing.T) {
	srv, token := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/play", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	var out map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["state"] != "playing" {
		t.Fatalf("expected state=playing, got %+v", out)
	}
}

func TestSeekWithValidToken(t *testing.T) {
	srv, token := testServer(t)
	body, _ := json.Marshal(map[string]any{"position": 5000})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/seek", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	var out map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["position"].(float64) != 5000 {
		t.Fatalf("expected position=5000, got %+v", out)
	}
}

func TestTokenRejectedForDifferentSession(t *testing.T) {
	srv, _ := testServer(t)
	issuer, _ := auth.NewTokenIssuer("test-secret", 0)
	wrongToken, _ := issuer.Issue("other-session")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/play", nil)
	req.Header.Set("Authorization", "Bearer "+wrongToken)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestCreateSessionWithoutAdminKeyConfigured(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s, want 201", rr.Code, rr.Body.String())
	}
}

func TestCreateSessionRejectedWithoutAdminKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sess, _, _ := newFakeSession("s1")
	registry := &fakeRegistry{sessions: map[string]Session{"s1": sess}}
	hub := realtime.NewSSEHub(mustTestLogger(t))
	issuer, err := auth.NewTokenIssuer("test-secret", 0)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	admin, err := auth.NewAdminAuth("super-secret")
	if err != nil {
		t.Fatalf("NewAdminAuth: %v", err)
	}
	srv := New(mustTestLogger(t), config.HTTPAPIConfig{CORSOrigins: []string{"*"}}, registry, hub, issuer, admin)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	req2.Header.Set("X-Admin-Key", "super-secret")
	rr2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s, want 201", rr2.Code, rr2.Body.String())
	}
}

func TestEnvironmentEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sess, _, _ := newFakeSession("s1")
	sess.Environment = func(sample EnvironmentSample) StrategyResult {
		return StrategyResult{TargetBufferSize: 15000, MaxConcurrentLoads: 2}
	}
	registry := &fakeRegistry{sessions: map[string]Session{"s1": sess}}
	hub := realtime.NewSSEHub(mustTestLogger(t))
	issuer, err := auth.NewTokenIssuer("test-secret", 0)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	token, _ := issuer.Issue("s1")
	srv := New(mustTestLogger(t), config.HTTPAPIConfig{CORSOrigins: []string{"*"}}, registry, hub, issuer, nil)

	body, _ := json.Marshal(EnvironmentSample{NetworkEffectiveType: "3g"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/environment", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	var out StrategyResult
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TargetBufferSize != 15000 || out.MaxConcurrentLoads != 2 {
		t.Fatalf("unexpected strategy result: %+v", out)
	}
}

func TestReportDurationEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sess, _, _ := newFakeSession("s1")
	var gotChunkID string
	var gotMeasured int64
	sess.ReportDuration = func(chunkID string, measuredMS int64) (DurationReport, error) {
		gotChunkID, gotMeasured = chunkID, measuredMS
		return DurationReport{Adjustments: 2, TotalDuration: 9000, Recalibrated: true}, nil
	}
	registry := &fakeRegistry{sessions: map[string]Session{"s1": sess}}
	hub := realtime.NewSSEHub(mustTestLogger(t))
	issuer, err := auth.NewTokenIssuer("test-secret", 0)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	token, _ := issuer.Issue("s1")
	srv := New(mustTestLogger(t), config.HTTPAPIConfig{CORSOrigins: []string{"*"}}, registry, hub, issuer, nil)

	body, _ := json.Marshal(map[string]any{"measuredMs": 3200})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/chunks/n1/duration", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if gotChunkID != "n1" || gotMeasured != 3200 {
		t.Fatalf("unexpected forwarded args: chunkID=%q measured=%d", gotChunkID, gotMeasured)
	}
	var out DurationReport
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Adjustments != 2 || out.TotalDuration != 9000 || !out.Recalibrated {
		t.Fatalf("unexpected duration report: %+v", out)
	}
}

func TestReportDurationUnavailableWhenUnwired(t *testing.T) {
	srv, token := testServer(t)
	body, _ := json.Marshal(map[string]any{"measuredMs": 1000})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/chunks/n1/duration", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rr.Code)
	}
}

func TestUnknownSessionReturns404(t *testing.T) {
	srv, _ := testServer(t)
	issuer, _ := auth.NewTokenIssuer("test-secret", 0)
	token, _ := issuer.Issue("ghost")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/ghost/play", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
