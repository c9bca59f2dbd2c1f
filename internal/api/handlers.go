package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/reelplayer/internal/auth"
	"github.com/amillerrr/reelplayer/internal/probe"
)

var tracer = otel.Tracer("reel-api")

// Prober runs feed probes and keeps the latest report. TryStart claims
// the prober and returns the run to perform, or false while a run is active.
type Prober interface {
	TryStart() (func(ctx context.Context) (*probe.Report, error), bool)
	Last() *probe.Report
}

// Handlers contains the probe control handlers.
type Handlers struct {
	log     *slog.Logger
	prober  Prober
	baseCtx context.Context
	wg      sync.WaitGroup
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Logger *slog.Logger
	Prober Prober

	// Context bounds runs started through the API. Defaults to Background.
	Context context.Context
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &Handlers{
		log:     cfg.Logger,
		prober:  cfg.Prober,
		baseCtx: ctx,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]any{"error": map[string]string{"message": message}})
}

// ReportHandler returns the latest probe report.
func (h *Handlers) ReportHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := h.prober.Last()
	if report == nil {
		h.writeError(ctx, w, http.StatusNotFound, "No probe run has completed yet")
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, report)
}

// RunHandler starts a probe run in the background.
func (h *Handlers) RunHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "start-probe-run")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	run, ok := h.prober.TryStart()
	if !ok {
		h.writeError(ctx, w, http.StatusConflict, "A probe run is already in progress")
		return
	}

	requestedBy := ""
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		requestedBy = claims.Subject
	}
	span.SetAttributes(attribute.String("probe.requested_by", requestedBy))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := run(h.baseCtx); err != nil {
			h.log.ErrorContext(h.baseCtx, "Requested probe run failed", "error", err, "requestedBy", requestedBy)
		}
	}()

	h.log.InfoContext(ctx, "Probe run requested", "requestedBy", requestedBy)
	h.writeJSON(ctx, w, http.StatusAccepted, map[string]string{"status": "started"})
}

// Wait blocks until runs started through the API have finished.
func (h *Handlers) Wait() {
	h.wg.Wait()
}
