package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/amillerrr/reelplayer/internal/auth"
	"github.com/amillerrr/reelplayer/internal/config"
	"github.com/amillerrr/reelplayer/internal/health"
	"github.com/amillerrr/reelplayer/internal/playback"
	"github.com/amillerrr/reelplayer/internal/probe"
	"github.com/amillerrr/reelplayer/pkg/models"
)

type fakeProber struct {
	mu      sync.Mutex
	last    *probe.Report
	running atomic.Bool
	runs    atomic.Int32
}

func (p *fakeProber) TryStart() (func(ctx context.Context) (*probe.Report, error), bool) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, false
	}
	return func(ctx context.Context) (*probe.Report, error) {
		defer p.running.Store(false)
		p.runs.Add(1)
		report := &probe.Report{RunID: "run-1", Loaded: 1}
		p.mu.Lock()
		p.last = report
		p.mu.Unlock()
		return report, nil
	}, true
}

func (p *fakeProber) Last() *probe.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type testEnv struct {
	handler  http.Handler
	handlers *Handlers
	prober   *fakeProber
	jwt      *auth.JWTService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	prober := &fakeProber{}
	env := newTestEnvWithProber(t, prober)
	env.prober = prober
	return env
}

func newTestEnvWithProber(t *testing.T, prober Prober) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwtSvc, err := auth.NewJWTService([]byte("test-secret-that-is-long-enough-for-testing"))
	if err != nil {
		t.Fatalf("NewJWTService() error = %v", err)
	}
	cfg := &ServerConfig{
		Config: &config.Config{
			API:  config.APIConfig{Port: "0"},
			CORS: config.CORSConfig{AllowedOrigins: []string{"https://ops.test"}},
		},
		Logger:        logger,
		Prober:        prober,
		JWTService:    jwtSvc,
		HealthChecker: health.NewChecker(health.DefaultConfig("feedprobe", logger)),
	}
	handlers := NewHandlers(&HandlersConfig{Logger: logger, Prober: prober})

	return &testEnv{
		handler:  newRouter(cfg, handlers),
		handlers: handlers,
		jwt:      jwtSvc,
	}
}

func (e *testEnv) token(t *testing.T, scopes ...string) string {
	t.Helper()
	token, _, err := e.jwt.GenerateToken("operator", scopes...)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return token
}

func (e *testEnv) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	if _, err := NewServer(&ServerConfig{Config: &config.Config{}}); err == nil {
		t.Error("NewServer() expected error without JWT service")
	}
}

func TestReportHandler(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t)

	if rr := env.do(http.MethodGet, "/v1/probe/report", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rr.Code)
	}

	rr := env.do(http.MethodGet, "/v1/probe/report", token)
	if rr.Code != http.StatusNotFound {
		t.Errorf("before first run: status = %d, want 404", rr.Code)
	}

	env.prober.last = &probe.Report{RunID: "abc", Failed: 2}
	rr = env.do(http.MethodGet, "/v1/probe/report", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var report probe.Report
	if err := json.NewDecoder(rr.Body).Decode(&report); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if report.RunID != "abc" || report.Failed != 2 {
		t.Errorf("report = %+v", report)
	}

	if rr := env.do(http.MethodPost, "/v1/probe/report", token); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST report: status = %d, want 405", rr.Code)
	}
}

func TestRunHandler(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		token      string
		running    bool
		wantStatus int
	}{
		{"no token", "", false, http.StatusUnauthorized},
		{"missing scope", env.token(t), false, http.StatusForbidden},
		{"already running", env.token(t, RunScope), true, http.StatusConflict},
		{"started", env.token(t, RunScope), false, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.prober.running.Store(tt.running)

			rr := env.do(http.MethodPost, "/v1/probe/runs", tt.token)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}

	env.handlers.Wait()
	if got := env.prober.runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

// gatedFeed blocks ListFeed until release is closed.
type gatedFeed struct {
	release chan struct{}
}

func (f gatedFeed) ListFeed(ctx context.Context, limit int32, cursor string) ([]models.FeedVideo, string, error) {
	select {
	case <-f.release:
		return nil, "", nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

type unusedSigner struct{}

func (unusedSigner) SignVideo(ctx context.Context, video models.FeedVideo) (playback.MediaSource, error) {
	return playback.MediaSource{}, errors.New("no media in an empty feed")
}

func TestRunHandler_SecondRequestConflicts(t *testing.T) {
	feed := gatedFeed{release: make(chan struct{})}
	runner, err := probe.NewRunner(probe.Config{
		Feed:   feed,
		Signer: unusedSigner{},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	env := newTestEnvWithProber(t, runner)
	token := env.token(t, RunScope)

	var got []int
	for range 2 {
		got = append(got, env.do(http.MethodPost, "/v1/probe/runs", token).Code)
	}

	close(feed.release)
	env.handlers.Wait()

	if diff := cmp.Diff([]int{http.StatusAccepted, http.StatusConflict}, got); diff != "" {
		t.Errorf("status codes mismatch (-want +got):\n%s", diff)
	}
	if runner.Last() == nil {
		t.Error("Last() = nil, want the report of the accepted run")
	}
	if runner.Running() {
		t.Error("Running() = true after the run finished")
	}
}

func TestMetricsInternalOnly(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		wantStatus int
	}{
		{"loopback", "127.0.0.1:5000", "", http.StatusOK},
		{"private", "10.1.2.3:5000", "", http.StatusOK},
		{"public", "203.0.113.9:5000", "", http.StatusForbidden},
		{"through load balancer", "10.1.2.3:5000", "198.51.100.1", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			rr := httptest.NewRecorder()

			env.handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/probe/runs", nil)
	req.Header.Set("Origin", "https://ops.test")
	rr := httptest.NewRecorder()

	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.test" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/v1/probe/runs", nil)
	req.Header.Set("Origin", "https://evil.test")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q for unknown origin, want empty", got)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing from response")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "given-id")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "given-id" {
		t.Errorf("X-Request-ID = %q, want given-id", got)
	}
}

func TestIsInternalRequest(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:80", true},
		{"192.168.1.10:80", true},
		{"172.20.0.1:80", true},
		{"172.32.0.1:80", false},
		{"8.8.8.8:80", false},
		{"[::1]:80", true},
		{"not-an-addr", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := isInternalRequest(tt.addr); got != tt.want {
				t.Errorf("isInternalRequest(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}
