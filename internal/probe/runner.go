package probe

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/reelplayer/internal/comments"
	"github.com/amillerrr/reelplayer/internal/metrics"
	"github.com/amillerrr/reelplayer/internal/playback"
	"github.com/amillerrr/reelplayer/internal/storage"
	"github.com/amillerrr/reelplayer/internal/telemetry"
	"github.com/amillerrr/reelplayer/pkg/models"
)

var tracer = otel.Tracer("reel-probe")

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("probe run already in progress")

// Default runner settings
const (
	DefaultPageSize      = 20
	DefaultMaxConcurrent = 4
)

// FeedLister lists feed pages.
type FeedLister interface {
	ListFeed(ctx context.Context, limit int32, cursor string) ([]models.FeedVideo, string, error)
}

// Signer resolves a feed item to a playable source.
type Signer interface {
	SignVideo(ctx context.Context, video models.FeedVideo) (playback.MediaSource, error)
}

// CommentLister fetches a page of comments for a video.
type CommentLister interface {
	List(ctx context.Context, videoID string, page comments.Page) (*models.CommentPage, error)
}

// CursorKey is the state key holding the next feed cursor.
const CursorKey = "probe_cursor"

// EventPublisher receives one event per probed item.
type EventPublisher interface {
	Publish(ctx context.Context, event models.PlaybackEvent) error
}

// Config holds runner dependencies.
type Config struct {
	Feed          FeedLister
	Signer        Signer
	Events        EventPublisher
	HTTPClient    *http.Client
	UserAgent     string
	PageSize      int
	MaxConcurrent int
	Policy        playback.RetryPolicy
	LoadTimeout   time.Duration
	Screen        playback.Dimensions
	FillMode      playback.FillMode
	Clock         playback.Clock
	Logger        *slog.Logger

	// Comments, when set, is queried for every loaded item.
	Comments CommentLister

	// State, when set, persists the feed cursor across restarts.
	State storage.KeyValueStore

	// NewBackend builds the backend for one item. Defaults to HTTPBackend.
	NewBackend func(video models.FeedVideo) playback.Backend
}

// Result is the outcome of one probed item.
type Result struct {
	VideoID      string                 `json:"videoId"`
	URI          string                 `json:"uri,omitempty"`
	State        playback.LoadingState  `json:"state"`
	Outcome      models.PlaybackOutcome `json:"outcome"`
	Category     playback.ErrorCategory `json:"category,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Attempts     int                    `json:"attempts"`
	Layout       *playback.LayoutRect   `json:"layout,omitempty"`
	TimeToSettle time.Duration          `json:"timeToSettleNs"`
	Comments     int                    `json:"comments,omitempty"`
	CommentError string                 `json:"commentError,omitempty"`
}

// Report summarises one run.
type Report struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	NextCursor string    `json:"nextCursor,omitempty"`
	Loaded     int       `json:"loaded"`
	Failed     int       `json:"failed"`
	Cancelled  int       `json:"cancelled"`
	Results    []Result  `json:"results"`
}

// Runner probes one feed page per run, continuing from the previous
// page's cursor and wrapping around at the end of the feed.
type Runner struct {
	cfg     Config
	log     *slog.Logger
	running atomic.Bool

	mu           sync.RWMutex
	cursor       string
	cursorLoaded bool
	last         *Report
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Feed == nil {
		return nil, errors.New("feed lister is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("media signer is required")
	}
	if cfg.Events == nil {
		cfg.Events = telemetry.Noop{}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Clock == nil {
		cfg.Clock = playback.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewBackend == nil {
		client, ua := cfg.HTTPClient, cfg.UserAgent
		cfg.NewBackend = func(video models.FeedVideo) playback.Backend {
			return &HTTPBackend{
				Client:    client,
				UserAgent: ua,
				Natural:   playback.Dimensions{Width: float64(video.Width), Height: float64(video.Height)},
				Duration:  time.Duration(video.DurationSeconds * float64(time.Second)),
			}
		}
	}
	return &Runner{cfg: cfg, log: cfg.Logger}, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Run probes the next feed page.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	run, ok := r.TryStart()
	if !ok {
		return nil, ErrRunInProgress
	}
	return run(ctx)
}

// TryStart claims the runner without blocking. On success the returned
// function performs one run and releases the claim; it must be called
// exactly once.
func (r *Runner) TryStart() (func(ctx context.Context) (*Report, error), bool) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, false
	}
	return func(ctx context.Context) (*Report, error) {
		defer r.running.Store(false)
		return r.run(ctx)
	}, true
}

func (r *Runner) run(ctx context.Context) (report *Report, err error) {
	ctx, span := tracer.Start(ctx, "probe-run")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ProbeRuns.WithLabelValues(status).Inc()
		metrics.ProbeRunDuration.Observe(time.Since(start).Seconds())
	}()

	cursor := r.currentCursor(ctx)

	videos, next, err := r.cfg.Feed.ListFeed(ctx, int32(r.cfg.PageSize), cursor)
	if err != nil {
		r.log.ErrorContext(ctx, "Failed to list feed", "error", err, "cursor", cursor)
		return nil, err
	}

	runID := uuid.New().String()
	span.SetAttributes(
		attribute.String("probe.run_id", runID),
		attribute.Int("probe.items", len(videos)),
	)
	r.log.InfoContext(ctx, "Starting probe run",
		"runId", runID,
		"items", len(videos),
		"maxConcurrent", r.cfg.MaxConcurrent,
	)

	results := make([]Result, len(videos))
	sem := make(chan struct{}, r.cfg.MaxConcurrent)
	var wg sync.WaitGroup

dispatch:
	for i, video := range videos {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(videos); j++ {
				results[j] = Result{VideoID: videos[j].VideoID, State: playback.StateIdle, Outcome: models.OutcomeCancelled}
			}
			break dispatch
		}

		wg.Add(1)
		go func(i int, video models.FeedVideo) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.probeItem(ctx, video)
		}(i, video)
	}
	wg.Wait()

	// The run may have been cancelled; results are still recorded.
	finishCtx := context.WithoutCancel(ctx)

	report = &Report{
		RunID:      runID,
		StartedAt:  start.UTC(),
		FinishedAt: time.Now().UTC(),
		NextCursor: next,
		Results:    results,
	}
	for _, res := range results {
		switch res.Outcome {
		case models.OutcomeLoaded:
			report.Loaded++
		case models.OutcomeFailed:
			report.Failed++
		default:
			report.Cancelled++
		}
		metrics.ProbeItems.WithLabelValues(string(res.Outcome)).Inc()
		r.publish(finishCtx, runID, res)
	}

	// An interrupted page is probed again on the next run.
	advance := report.Cancelled == 0 && ctx.Err() == nil
	if !advance {
		report.NextCursor = cursor
		r.log.WarnContext(finishCtx, "Probe run interrupted, keeping feed cursor",
			"runId", runID,
			"cursor", cursor,
		)
	}

	r.mu.Lock()
	if advance {
		r.cursor = next
	}
	r.last = report
	r.mu.Unlock()
	if advance {
		r.saveCursor(finishCtx, next)
	}

	r.log.InfoContext(finishCtx, "Probe run complete",
		"runId", runID,
		"loaded", report.Loaded,
		"failed", report.Failed,
		"cancelled", report.Cancelled,
		"durationMs", time.Since(start).Milliseconds(),
	)
	return report, nil
}

// Loop runs immediately and then every interval until ctx is cancelled.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Run(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrRunInProgress) {
			r.log.ErrorContext(ctx, "Probe run failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "Probe loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// probeItem drives one controller until it settles or gives up.
func (r *Runner) probeItem(ctx context.Context, video models.FeedVideo) Result {
	ctx, span := tracer.Start(ctx, "probe-item",
		trace.WithAttributes(attribute.String("video.id", video.VideoID)))
	defer span.End()

	start := r.cfg.Clock.Now()
	res := Result{VideoID: video.VideoID}

	src, err := r.cfg.Signer.SignVideo(ctx, video)
	if err != nil {
		span.RecordError(err)
		res.State = playback.StateError
		res.Outcome = models.OutcomeFailed
		res.Category = playback.CategoryGeneric
		res.Message = err.Error()
		return res
	}
	res.URI = src.URI

	done := make(chan playback.Snapshot, 1)
	ctrl := playback.NewController(playback.Config{
		ItemID:      video.VideoID,
		Backend:     r.cfg.NewBackend(video),
		Clock:       r.cfg.Clock,
		Policy:      r.cfg.Policy,
		LoadTimeout: r.cfg.LoadTimeout,
		Screen:      r.cfg.Screen,
		FillMode:    r.cfg.FillMode,
		Logger:      r.log,
		Context:     ctx,
		OnChange: func(s playback.Snapshot) {
			if s.State.IsSettled() || (s.State == playback.StateError && !s.RetryScheduled) {
				select {
				case done <- s:
				default:
				}
			}
		},
	})
	defer ctrl.Close()

	ctrl.SetSource(src, true)

	var snap playback.Snapshot
	select {
	case snap = <-done:
	case <-ctx.Done():
		snap = ctrl.Snapshot()
		res.State = snap.State
		res.Outcome = models.OutcomeCancelled
		res.Attempts = snap.Attempts
		return res
	}

	res.State = snap.State
	res.Attempts = snap.Attempts
	res.Layout = snap.Layout
	res.TimeToSettle = r.cfg.Clock.Now().Sub(start)
	if snap.State.IsSettled() {
		res.Outcome = models.OutcomeLoaded
		r.checkComments(ctx, &res)
		return res
	}

	res.Outcome = models.OutcomeFailed
	if snap.Err != nil {
		res.Category = snap.Err.Category
		res.Message = snap.Err.Message
		span.SetStatus(codes.Error, snap.Err.Error())
	}
	return res
}

func (r *Runner) checkComments(ctx context.Context, res *Result) {
	if r.cfg.Comments == nil {
		return
	}
	page, err := r.cfg.Comments.List(ctx, res.VideoID, comments.Page{Page: 1, Limit: 1})
	if err != nil {
		res.CommentError = err.Error()
		return
	}
	res.Comments = page.Total
}

func (r *Runner) currentCursor(ctx context.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cursorLoaded && r.cfg.State != nil {
		value, err := r.cfg.State.Get(ctx, CursorKey)
		switch {
		case err == nil:
			r.cursor = value
		case !errors.Is(err, models.ErrPreferenceNotFound):
			r.log.WarnContext(ctx, "Failed to load feed cursor", "error", err)
		}
	}
	r.cursorLoaded = true
	return r.cursor
}

func (r *Runner) saveCursor(ctx context.Context, cursor string) {
	if r.cfg.State == nil {
		return
	}
	var err error
	if cursor == "" {
		err = r.cfg.State.Delete(ctx, CursorKey)
	} else {
		err = r.cfg.State.Set(ctx, CursorKey, cursor)
	}
	if err != nil {
		r.log.WarnContext(ctx, "Failed to save feed cursor", "error", err)
	}
}

func (r *Runner) publish(ctx context.Context, runID string, res Result) {
	event := models.PlaybackEvent{
		EventID:      uuid.New().String(),
		VideoID:      res.VideoID,
		URI:          res.URI,
		Outcome:      res.Outcome,
		State:        string(res.State),
		Category:     string(res.Category),
		Message:      res.Message,
		Attempts:     res.Attempts,
		TimeToSettle: res.TimeToSettle,
		OccurredAt:   time.Now().UTC(),
	}
	if err := r.cfg.Events.Publish(ctx, event); err != nil {
		r.log.WarnContext(ctx, "Failed to publish probe result",
			"runId", runID,
			"videoId", res.VideoID,
			"error", err,
		)
	}
}
