package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/reelplayer/internal/metrics"
)

var tracer = otel.Tracer("reel-playback")

// Config holds controller dependencies.
type Config struct {
	// ItemID labels logs and spans for this controller.
	ItemID string

	Backend     Backend
	Clock       Clock
	Policy      RetryPolicy
	LoadTimeout time.Duration
	Screen      Dimensions
	FillMode    FillMode
	Logger      *slog.Logger

	// Context is the parent of every load context. Defaults to Background.
	Context context.Context

	// OnChange is called with a fresh snapshot after every state change.
	// It runs outside the controller lock but must not block. Calls from
	// different goroutines are not ordered, so a snapshot may arrive after a
	// newer one; compare Snapshot.Seq to drop stale ones.
	OnChange func(Snapshot)
}

// Snapshot is a point-in-time copy of the controller state.
type Snapshot struct {
	// Seq increases with every state change of the controller.
	Seq uint64

	ItemID         string
	State          LoadingState
	Source         MediaSource
	ShouldPlay     bool
	Attempts       int
	MaxAttempts    int
	Err            *LoadError
	Metadata       Metadata
	Layout         *LayoutRect
	HasFrame       bool
	Progress       ProgressStatus
	RetryScheduled bool
	Closed         bool
}

// Controller is the per-item loading/retry state machine. All methods are
// safe for concurrent use; backend callbacks and timer firings are applied
// in arrival order under a single lock.
type Controller struct {
	mu sync.Mutex

	itemID   string
	backend  Backend
	clock    Clock
	policy   RetryPolicy
	timeout  time.Duration
	log      *slog.Logger
	baseCtx  context.Context
	onChange func(Snapshot)

	state      LoadingState
	source     MediaSource
	shouldPlay bool
	attempts   int
	lastErr    *LoadError
	meta       Metadata
	hasMeta    bool
	hasFrame   bool
	progress   ProgressStatus
	closed     bool
	seq        uint64

	screen   Dimensions
	fillMode FillMode
	memo     LayoutMemo
	layout   *LayoutRect

	// Tokens of the live load, timeout and retry timer; 0 means none.
	// Callbacks carrying any other token are stale and dropped.
	tokens        uint64
	activeLoad    uint64
	activeTimeout uint64
	activeRetry   uint64

	cancelLoad   context.CancelFunc
	span         trace.Span
	loadStarted  time.Time
	timeoutTimer Timer
	retryTimer   Timer
}

// NewController creates an idle controller.
func NewController(cfg Config) *Controller {
	c := &Controller{
		itemID:   cfg.ItemID,
		backend:  cfg.Backend,
		clock:    cfg.Clock,
		policy:   cfg.Policy.normalized(),
		timeout:  cfg.LoadTimeout,
		log:      cfg.Logger,
		baseCtx:  cfg.Context,
		onChange: cfg.OnChange,
		state:    StateIdle,
		screen:   cfg.Screen,
		fillMode: cfg.FillMode,
	}
	if c.clock == nil {
		c.clock = RealClock{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultLoadTimeout
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.baseCtx == nil {
		c.baseCtx = context.Background()
	}
	if !c.fillMode.IsValid() {
		c.fillMode = DefaultFillMode
	}
	c.log = c.log.With("itemId", c.itemID)

	metrics.ActiveControllers.Inc()
	return c
}

// effects are the actions computed under the lock and run after it is
// released.
type effects struct {
	load   func()
	notify bool
	snap   Snapshot
}

func (c *Controller) apply(fx effects) {
	if fx.notify && c.onChange != nil {
		c.onChange(fx.snap)
	}
	if fx.load != nil {
		fx.load()
	}
}

func (c *Controller) changed() effects {
	c.seq++
	return effects{notify: true, snap: c.snapshotLocked()}
}

// SetSource assigns a new source. The source is resolved first; assigning
// the source already in use only updates the play intent. A new source
// cancels any pending timeout, retry and in-flight load and resets all
// derived state.
func (c *Controller) SetSource(src MediaSource, shouldPlay bool) {
	c.mu.Lock()
	fx := c.setSourceLocked(Resolve(src), shouldPlay)
	c.mu.Unlock()
	c.apply(fx)
}

func (c *Controller) setSourceLocked(src MediaSource, shouldPlay bool) effects {
	if c.closed {
		return effects{}
	}
	if src.URI == c.source.URI && (src.URI != "" || c.state == StateIdle) {
		return c.setShouldPlayLocked(shouldPlay)
	}

	c.cancelAllLocked("source changed")
	c.source = src
	c.shouldPlay = shouldPlay
	c.attempts = 0
	c.lastErr = nil
	c.meta = Metadata{}
	c.hasMeta = false
	c.hasFrame = false
	c.progress = ProgressStatus{}
	c.memo.Reset()
	c.layout = nil

	if src.URI == "" {
		c.state = StateIdle
		return c.changed()
	}

	c.state = c.pendingState()
	c.log.DebugContext(c.baseCtx, "Source assigned", "uri", src.URI, "state", c.state)
	fx := c.changed()
	fx.load = c.issueLoadLocked()
	return fx
}

// SetShouldPlay updates the play intent. A preloading item that should
// play is promoted to loading without reissuing the load.
func (c *Controller) SetShouldPlay(shouldPlay bool) {
	c.mu.Lock()
	fx := c.setShouldPlayLocked(shouldPlay)
	c.mu.Unlock()
	c.apply(fx)
}

func (c *Controller) setShouldPlayLocked(shouldPlay bool) effects {
	if c.closed || c.shouldPlay == shouldPlay {
		return effects{}
	}
	c.shouldPlay = shouldPlay
	switch {
	case shouldPlay && c.state == StatePreloading:
		c.state = StateLoading
	case !shouldPlay && c.state == StateLoading:
		c.state = StatePreloading
	}
	return c.changed()
}

// Retry forces a reload from the error state, including after the
// automatic budget is exhausted. It returns false if there is nothing to
// retry.
func (c *Controller) Retry() bool {
	c.mu.Lock()
	if c.closed || c.state != StateError || c.source.URI == "" {
		c.mu.Unlock()
		return false
	}
	c.cancelRetryLocked()
	c.attempts = 0
	c.lastErr = nil
	c.state = c.pendingState()
	c.log.InfoContext(c.baseCtx, "Manual retry", "uri", c.source.URI)
	fx := c.changed()
	fx.load = c.issueLoadLocked()
	c.mu.Unlock()

	c.apply(fx)
	return true
}

// SetScreen updates the display area and recomputes the layout.
func (c *Controller) SetScreen(screen Dimensions) {
	c.mu.Lock()
	if c.closed || c.screen == screen {
		c.mu.Unlock()
		return
	}
	c.screen = screen
	fx := c.relayoutLocked()
	c.mu.Unlock()
	c.apply(fx)
}

// SetFillMode updates the fill policy and recomputes the layout.
func (c *Controller) SetFillMode(mode FillMode) {
	if !mode.IsValid() {
		mode = DefaultFillMode
	}
	c.mu.Lock()
	if c.closed || c.fillMode == mode {
		c.mu.Unlock()
		return
	}
	c.fillMode = mode
	fx := c.relayoutLocked()
	c.mu.Unlock()
	c.apply(fx)
}

func (c *Controller) relayoutLocked() effects {
	if !c.hasMeta {
		return effects{}
	}
	prev := c.layout
	c.layout = c.memo.Compute(c.meta.Natural(), c.screen, c.fillMode)
	if c.layout == prev {
		return effects{}
	}
	return c.changed()
}

// Close tears the controller down. Pending timers and the in-flight load
// are cancelled and every later event is ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelAllLocked("controller closed")
	c.closed = true
	c.state = StateIdle
	fx := c.changed()
	c.mu.Unlock()

	metrics.ActiveControllers.Dec()
	c.apply(fx)
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// State returns the current loading state.
func (c *Controller) State() LoadingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Seq:            c.seq,
		ItemID:         c.itemID,
		State:          c.state,
		Source:         c.source,
		ShouldPlay:     c.shouldPlay,
		Attempts:       c.attempts,
		MaxAttempts:    c.policy.MaxAttempts,
		Err:            c.lastErr,
		Metadata:       c.meta,
		Layout:         c.layout,
		HasFrame:       c.hasFrame,
		Progress:       c.progress,
		RetryScheduled: c.activeRetry != 0,
		Closed:         c.closed,
	}
}

func (c *Controller) pendingState() LoadingState {
	if c.shouldPlay {
		return StateLoading
	}
	return StatePreloading
}

func (c *Controller) nextToken() uint64 {
	c.tokens++
	return c.tokens
}

// issueLoadLocked arms the timeout and returns the backend call to run
// once the lock is released.
func (c *Controller) issueLoadLocked() func() {
	loadToken := c.nextToken()
	timeoutToken := c.nextToken()

	ctx, cancel := context.WithCancel(c.baseCtx)
	ctx, span := tracer.Start(ctx, "playback-load",
		trace.WithAttributes(
			attribute.String("item.id", c.itemID),
			attribute.String("media.uri", c.source.URI),
			attribute.Int("load.attempt", c.attempts),
		))

	c.activeLoad = loadToken
	c.activeTimeout = timeoutToken
	c.cancelLoad = cancel
	c.span = span
	c.loadStarted = c.clock.Now()
	c.timeoutTimer = c.clock.AfterFunc(c.timeout, func() { c.onTimeout(timeoutToken) })

	backend := c.backend
	src := c.source
	sink := &loadEvents{c: c, token: loadToken}
	return func() {
		if backend == nil {
			sink.Failed(BackendError{Message: "no playback backend configured"})
			return
		}
		backend.Load(ctx, src, sink)
	}
}

func (c *Controller) stopTimeoutLocked() {
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
	c.activeTimeout = 0
}

func (c *Controller) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.activeRetry = 0
}

func (c *Controller) endLoadLocked(err error) {
	if c.cancelLoad != nil {
		c.cancelLoad()
		c.cancelLoad = nil
	}
	c.activeLoad = 0
	c.endSpanLocked(err)
}

func (c *Controller) endSpanLocked(err error) {
	if c.span == nil {
		return
	}
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()
	c.span = nil
}

func (c *Controller) cancelAllLocked(reason string) {
	c.stopTimeoutLocked()
	c.cancelRetryLocked()
	if c.span != nil {
		c.span.SetAttributes(attribute.String("load.cancel_reason", reason))
	}
	c.endLoadLocked(nil)
}

func (c *Controller) onLoadStart(token uint64) {
	c.mu.Lock()
	if c.closed || token != c.activeLoad || c.state != StateRetrying {
		c.mu.Unlock()
		return
	}
	c.state = StateLoading
	fx := c.changed()
	c.mu.Unlock()
	c.apply(fx)
}

func (c *Controller) onLoaded(token uint64, meta Metadata) {
	c.mu.Lock()
	if c.closed || token != c.activeLoad || !c.state.IsActive() {
		c.mu.Unlock()
		return
	}

	c.stopTimeoutLocked()
	c.endSpanLocked(nil)

	elapsed := c.clock.Now().Sub(c.loadStarted)
	if meta.FromCache {
		c.state = StateCached
	} else {
		c.state = StateLoaded
	}
	c.attempts = 0
	c.lastErr = nil
	c.hasFrame = true
	if !c.hasMeta {
		c.meta = meta
		c.hasMeta = true
	}
	c.layout = c.memo.Compute(c.meta.Natural(), c.screen, c.fillMode)

	metrics.RecordLoad(string(c.state), elapsed.Seconds())
	c.log.InfoContext(c.baseCtx, "Media loaded",
		"uri", c.source.URI,
		"state", c.state,
		"elapsedMs", elapsed.Milliseconds(),
	)

	fx := c.changed()
	c.mu.Unlock()
	c.apply(fx)
}

func (c *Controller) onFailed(token uint64, be BackendError) {
	c.mu.Lock()
	if c.closed || token != c.activeLoad || !(c.state.IsActive() || c.state.IsSettled()) {
		c.mu.Unlock()
		return
	}
	fx := c.failLocked(Classify(be))
	c.mu.Unlock()
	c.apply(fx)
}

func (c *Controller) onTimeout(token uint64) {
	c.mu.Lock()
	if c.closed || token != c.activeTimeout || !c.state.IsActive() {
		c.mu.Unlock()
		return
	}
	c.timeoutTimer = nil
	c.activeTimeout = 0
	fx := c.failLocked(Classify(BackendError{Message: TimeoutMessage}))
	c.mu.Unlock()
	c.apply(fx)
}

func (c *Controller) onProgress(token uint64, p ProgressStatus) {
	c.mu.Lock()
	if c.closed || token != c.activeLoad {
		c.mu.Unlock()
		return
	}
	c.progress = p
	c.mu.Unlock()
}

// failLocked moves to the error state and schedules a retry when the
// category allows it and the budget is not spent.
func (c *Controller) failLocked(le *LoadError) effects {
	c.stopTimeoutLocked()
	c.endLoadLocked(le)

	c.state = StateError
	c.lastErr = le
	metrics.RecordLoadError(string(le.Category))

	if le.Category.Retryable() && c.policy.Allows(c.attempts) {
		delay := c.policy.Delay(c.attempts + 1)
		token := c.nextToken()
		c.activeRetry = token
		c.retryTimer = c.clock.AfterFunc(delay, func() { c.onRetryTimer(token) })
		c.log.WarnContext(c.baseCtx, "Load failed, retry scheduled",
			"uri", c.source.URI,
			"category", le.Category,
			"error", le.Message,
			"attempt", c.attempts+1,
			"delayMs", delay.Milliseconds(),
		)
		return c.changed()
	}

	metrics.RetriesExhausted.WithLabelValues(string(le.Category)).Inc()
	c.log.WarnContext(c.baseCtx, "Load failed, no automatic retry",
		"uri", c.source.URI,
		"category", le.Category,
		"error", le.Message,
		"attempts", c.attempts,
	)
	return c.changed()
}

func (c *Controller) onRetryTimer(token uint64) {
	c.mu.Lock()
	if c.closed || token != c.activeRetry || c.state != StateError {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.activeRetry = 0
	c.attempts++
	c.state = StateRetrying
	metrics.Retries.Inc()
	c.log.InfoContext(c.baseCtx, "Retrying load",
		"uri", c.source.URI,
		"attempt", c.attempts,
		"maxAttempts", c.policy.MaxAttempts,
	)
	fx := c.changed()
	fx.load = c.issueLoadLocked()
	c.mu.Unlock()
	c.apply(fx)
}

// loadEvents binds backend callbacks to the load that produced them.
type loadEvents struct {
	c     *Controller
	token uint64
}

func (e *loadEvents) LoadStart() { e.c.onLoadStart(e.token) }
func (e *loadEvents) Loaded(m Metadata) { e.c.onLoaded(e.token, m) }
func (e *loadEvents) Failed(be BackendError) { e.c.onFailed(e.token, be) }
func (e *loadEvents) Progress(p ProgressStatus) { e.c.onProgress(e.token, p) }
