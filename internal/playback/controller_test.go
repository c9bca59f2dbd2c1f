package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type loadCall struct {
	ctx context.Context
	src MediaSource
	ev  Events
}

// fakeBackend records loads and lets the test drive their callbacks.
type fakeBackend struct {
	mu    sync.Mutex
	calls []loadCall
}

func (b *fakeBackend) Load(ctx context.Context, src MediaSource, ev Events) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, loadCall{ctx: ctx, src: src, ev: ev})
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) last(t *testing.T) loadCall {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		t.Fatal("backend was never asked to load")
	}
	return b.calls[len(b.calls)-1]
}

// unstoppableClock never cancels timers, modelling a timer that already
// fired and is waiting for the controller lock when Stop is called.
type unstoppableClock struct {
	*MockClock
}

type unstoppableTimer struct{}

func (unstoppableTimer) Stop() bool { return false }

func (c unstoppableClock) AfterFunc(d time.Duration, f func()) Timer {
	c.MockClock.AfterFunc(d, f)
	return unstoppableTimer{}
}

var testScreen = Dimensions{Width: 1080, Height: 2340}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, clock Clock, onChange func(Snapshot)) (*Controller, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{}
	c := NewController(Config{
		ItemID:      "video-1",
		Backend:     backend,
		Clock:       clock,
		Policy:      DefaultRetryPolicy(),
		LoadTimeout: DefaultLoadTimeout,
		Screen:      testScreen,
		Logger:      discardLogger(),
		OnChange:    onChange,
	})
	t.Cleanup(c.Close)
	return c, backend
}

func TestController_SetSourceStartsLoad(t *testing.T) {
	tests := []struct {
		name       string
		shouldPlay bool
		want       LoadingState
	}{
		{"visible item loads", true, StateLoading},
		{"next item preloads", false, StatePreloading},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewMockClock(time.Unix(0, 0))
			c, backend := newTestController(t, clock, nil)

			c.SetSource(MediaSource{URI: "example.com/a.mp4"}, tt.shouldPlay)

			if got := c.State(); got != tt.want {
				t.Errorf("State() = %s, want %s", got, tt.want)
			}
			if got := backend.last(t).src.URI; got != "http://example.com/a.mp4" {
				t.Errorf("loaded URI = %q, want http://example.com/a.mp4", got)
			}
			if got := clock.Pending(); got != 1 {
				t.Errorf("pending timers = %d, want 1 (timeout)", got)
			}
		})
	}
}

func TestController_EmptySourceStaysIdle(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "  "}, true)

	if got := c.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
	if backend.count() != 0 {
		t.Errorf("backend loads = %d, want 0", backend.count())
	}
}

func TestController_LoadSuccess(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)
	ev := backend.last(t).ev
	ev.LoadStart()
	clock.Advance(300 * time.Millisecond)
	ev.Loaded(Metadata{NaturalWidth: 1080, NaturalHeight: 1920, Duration: 15 * time.Second})

	snap := c.Snapshot()
	if snap.State != StateLoaded {
		t.Fatalf("State = %s, want loaded", snap.State)
	}
	if snap.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", snap.Attempts)
	}
	if !snap.HasFrame {
		t.Error("HasFrame = false, want true")
	}
	if snap.Layout == nil || snap.Layout.Height != testScreen.Height {
		t.Errorf("Layout = %+v, want a rect covering the screen height", snap.Layout)
	}
	if got := clock.Pending(); got != 0 {
		t.Errorf("pending timers = %d, want 0 after success", got)
	}
}

func TestController_LoadFromCache(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, false)
	backend.last(t).ev.Loaded(Metadata{NaturalWidth: 720, NaturalHeight: 1280, FromCache: true})

	if got := c.State(); got != StateCached {
		t.Errorf("State() = %s, want cached", got)
	}
}

func TestController_RetryBackoffThenTerminal(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)
	backend.last(t).ev.Failed(BackendError{Message: "network connection lost"})

	wantDelays := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	for i, delay := range wantDelays {
		snap := c.Snapshot()
		if snap.State != StateError || !snap.RetryScheduled {
			t.Fatalf("retry %d: state = %s scheduled = %v, want error with retry scheduled", i+1, snap.State, snap.RetryScheduled)
		}
		got, ok := clock.NextDeadline()
		if !ok || got != delay {
			t.Fatalf("retry %d: next deadline = %v (%v), want %v", i+1, got, ok, delay)
		}

		clock.Advance(delay)

		snap = c.Snapshot()
		if snap.State != StateRetrying {
			t.Fatalf("retry %d: state = %s, want retrying", i+1, snap.State)
		}
		if snap.Attempts != i+1 {
			t.Fatalf("retry %d: attempts = %d, want %d", i+1, snap.Attempts, i+1)
		}

		ev := backend.last(t).ev
		ev.LoadStart()
		if got := c.State(); got != StateLoading {
			t.Fatalf("retry %d: state after load start = %s, want loading", i+1, got)
		}
		ev.Failed(BackendError{Message: "network connection lost"})
	}

	snap := c.Snapshot()
	if snap.State != StateError || snap.RetryScheduled {
		t.Fatalf("final: state = %s scheduled = %v, want terminal error", snap.State, snap.RetryScheduled)
	}
	if !errors.Is(snap.Err, ErrNetwork) {
		t.Errorf("final error = %v, want ErrNetwork", snap.Err)
	}

	loads := backend.count()
	clock.Advance(time.Hour)
	if backend.count() != loads {
		t.Errorf("backend loads = %d after terminal error, want %d", backend.count(), loads)
	}
	if loads != 4 {
		t.Errorf("total loads = %d, want 4 (initial + 3 retries)", loads)
	}
}

func TestController_FormatErrorIsNotRetried(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mkv"}, true)
	backend.last(t).ev.Failed(BackendError{Message: "format not supported"})

	snap := c.Snapshot()
	if snap.State != StateError {
		t.Fatalf("State = %s, want error", snap.State)
	}
	if snap.RetryScheduled {
		t.Error("RetryScheduled = true, want false for format errors")
	}
	if !errors.Is(snap.Err, ErrUnsupportedFormat) {
		t.Errorf("Err = %v, want ErrUnsupportedFormat", snap.Err)
	}
	if got := clock.Pending(); got != 0 {
		t.Errorf("pending timers = %d, want 0", got)
	}

	clock.Advance(time.Minute)
	if backend.count() != 1 {
		t.Errorf("backend loads = %d, want 1", backend.count())
	}
}

func TestController_TimeoutIsALoadError(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/slow.mp4"}, true)
	first := backend.last(t)

	clock.Advance(DefaultLoadTimeout)

	snap := c.Snapshot()
	if snap.State != StateError {
		t.Fatalf("State = %s, want error", snap.State)
	}
	if snap.Err == nil || snap.Err.Category != CategoryTimeout || snap.Err.Message != TimeoutMessage {
		t.Errorf("Err = %+v, want timeout with message %q", snap.Err, TimeoutMessage)
	}
	if !snap.RetryScheduled {
		t.Error("timeouts should be retried")
	}
	select {
	case <-first.ctx.Done():
	default:
		t.Error("timed out load context was not cancelled")
	}

	// A late answer for the abandoned load must not revive it.
	first.ev.Loaded(Metadata{NaturalWidth: 1, NaturalHeight: 1})
	if got := c.State(); got != StateError {
		t.Errorf("State() after late success = %s, want error", got)
	}
}

func TestController_SameSourceIsNoop(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "example.com/a.mp4"}, true)
	backend.last(t).ev.Loaded(Metadata{NaturalWidth: 1080, NaturalHeight: 1920})

	c.SetSource(MediaSource{URI: "http://example.com/a.mp4"}, true)

	if backend.count() != 1 {
		t.Errorf("backend loads = %d, want 1", backend.count())
	}
	if got := c.State(); got != StateLoaded {
		t.Errorf("State() = %s, want loaded", got)
	}
}

func TestController_NewSourceResetsLoadedState(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)
	backend.last(t).ev.Loaded(Metadata{NaturalWidth: 1080, NaturalHeight: 1920})

	c.SetSource(MediaSource{URI: "https://cdn.test/b.mp4"}, false)

	snap := c.Snapshot()
	if snap.State != StatePreloading {
		t.Errorf("State = %s, want preloading", snap.State)
	}
	if snap.HasFrame || snap.Layout != nil || snap.Attempts != 0 {
		t.Errorf("derived state not reset: %+v", snap)
	}
	if backend.count() != 2 {
		t.Errorf("backend loads = %d, want 2", backend.count())
	}
}

func TestController_StaleRetryTimerIgnoredAfterSourceChange(t *testing.T) {
	clock := unstoppableClock{NewMockClock(time.Unix(0, 0))}
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)
	a := backend.last(t)
	a.ev.Failed(BackendError{Message: "network down"})
	if !c.Snapshot().RetryScheduled {
		t.Fatal("expected a retry for source A")
	}

	c.SetSource(MediaSource{URI: "https://cdn.test/b.mp4"}, true)

	// A's retry timer fires even though it was "stopped".
	clock.Advance(time.Second)

	snap := c.Snapshot()
	if snap.State != StateLoading {
		t.Errorf("State = %s, want loading for source B", snap.State)
	}
	if snap.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", snap.Attempts)
	}
	if snap.Source.URI != "https://cdn.test/b.mp4" {
		t.Errorf("Source = %q, want B", snap.Source.URI)
	}
	if backend.count() != 2 {
		t.Errorf("backend loads = %d, want 2 (A once, B once)", backend.count())
	}

	// Late callbacks for A are ignored too.
	a.ev.Loaded(Metadata{NaturalWidth: 1, NaturalHeight: 1})
	if got := c.State(); got != StateLoading {
		t.Errorf("State() after stale callback = %s, want loading", got)
	}
}

func TestController_SourceChangeWhileRetrying(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)
	backend.last(t).ev.Failed(BackendError{Message: "network down"})
	clock.Advance(time.Second)
	if got := c.State(); got != StateRetrying {
		t.Fatalf("State() = %s, want retrying", got)
	}
	retryA := backend.last(t)

	c.SetSource(MediaSource{URI: "https://cdn.test/b.mp4"}, true)

	select {
	case <-retryA.ctx.Done():
	default:
		t.Error("in-flight retry for A was not cancelled")
	}

	retryA.ev.Failed(BackendError{Message: "network down"})
	clock.Advance(10 * time.Second)

	snap := c.Snapshot()
	if snap.State != StateLoading || snap.Source.URI != "https://cdn.test/b.mp4" {
		t.Errorf("snapshot = %s %q, want loading B", snap.State, snap.Source.URI)
	}
	if backend.count() != 3 {
		t.Errorf("backend loads = %d, want 3", backend.count())
	}
}

func TestController_ManualRetryAfterTerminal(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.webm"}, true)
	backend.last(t).ev.Failed(BackendError{Code: "format", Message: "bad container"})

	if !c.Retry() {
		t.Fatal("Retry() = false, want true from terminal error")
	}
	snap := c.Snapshot()
	if snap.State != StateLoading || snap.Err != nil || snap.Attempts != 0 {
		t.Errorf("snapshot after Retry = %+v, want fresh loading", snap)
	}
	if backend.count() != 2 {
		t.Errorf("backend loads = %d, want 2", backend.count())
	}

	backend.last(t).ev.Loaded(Metadata{NaturalWidth: 1080, NaturalHeight: 1920})
	if c.Retry() {
		t.Error("Retry() = true while loaded, want false")
	}
}

func TestController_ManualRetryCancelsScheduledRetry(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)
	backend.last(t).ev.Failed(BackendError{Message: "network down"})
	c.Retry()

	if got := clock.Pending(); got != 1 {
		t.Errorf("pending timers = %d, want 1 (timeout only)", got)
	}
	clock.Advance(2 * time.Second)
	if backend.count() != 2 {
		t.Errorf("backend loads = %d, want 2", backend.count())
	}
}

func TestController_SetShouldPlay(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, false)
	c.SetShouldPlay(true)
	if got := c.State(); got != StateLoading {
		t.Errorf("State() = %s, want loading", got)
	}
	c.SetShouldPlay(false)
	if got := c.State(); got != StatePreloading {
		t.Errorf("State() = %s, want preloading", got)
	}
	if backend.count() != 1 {
		t.Errorf("backend loads = %d, want 1", backend.count())
	}
}

func TestController_MidPlaybackFailureKeepsFrame(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)
	ev := backend.last(t).ev
	ev.Loaded(Metadata{NaturalWidth: 1080, NaturalHeight: 1920})
	ev.Progress(ProgressStatus{Position: 3 * time.Second})
	ev.Failed(BackendError{Message: "network stalled"})

	snap := c.Snapshot()
	if snap.State != StateError || !snap.HasFrame {
		t.Errorf("snapshot = %s hasFrame=%v, want error with frame", snap.State, snap.HasFrame)
	}
	if snap.Progress.Position != 3*time.Second {
		t.Errorf("Progress.Position = %v, want 3s", snap.Progress.Position)
	}
	view := Present(snap)
	if !view.ShowContent || !view.ShowError {
		t.Errorf("Present() = %+v, want content and error", view)
	}
}

func TestController_LayoutFollowsScreenAndFillMode(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	c, backend := newTestController(t, clock, nil)

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)
	backend.last(t).ev.Loaded(Metadata{NaturalWidth: 1080, NaturalHeight: 1920})

	first := c.Snapshot().Layout
	c.SetScreen(testScreen)
	if c.Snapshot().Layout != first {
		t.Error("layout changed identity for an unchanged screen")
	}

	c.SetFillMode(FillContain)
	contain := c.Snapshot().Layout
	if contain == first {
		t.Fatal("layout not recomputed after fill mode change")
	}
	if contain.Width != 1080 || contain.Height != 1920 || !contain.NeedsBackground {
		t.Errorf("contain layout = %+v, want 1080x1920 with background", contain)
	}

	c.SetScreen(Dimensions{Width: 540, Height: 1170})
	if got := c.Snapshot().Layout; got.Width != 540 {
		t.Errorf("layout width = %v after screen change, want 540", got.Width)
	}
}

func TestController_ObserverOrderWithSynchronousBackend(t *testing.T) {
	var mu sync.Mutex
	var states []LoadingState
	c := NewController(Config{
		Backend: BackendFunc(func(ctx context.Context, src MediaSource, ev Events) {
			ev.LoadStart()
			ev.Loaded(Metadata{NaturalWidth: 720, NaturalHeight: 1280})
		}),
		Clock:  NewMockClock(time.Unix(0, 0)),
		Policy: DefaultRetryPolicy(),
		Screen: testScreen,
		Logger: discardLogger(),
		OnChange: func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s.State)
		},
	})
	defer c.Close()

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)

	mu.Lock()
	defer mu.Unlock()
	want := []LoadingState{StateLoading, StateLoaded}
	if len(states) != len(want) {
		t.Fatalf("observed states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("observed states = %v, want %v", states, want)
			break
		}
	}
}

func TestController_SnapshotSeqOrdersConcurrentChanges(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var latest uint64
	c := NewController(Config{
		Backend: BackendFunc(func(ctx context.Context, src MediaSource, ev Events) {
			ev.Loaded(Metadata{NaturalWidth: 720, NaturalHeight: 1280})
		}),
		Clock:  NewMockClock(time.Unix(0, 0)),
		Policy: DefaultRetryPolicy(),
		Screen: testScreen,
		Logger: discardLogger(),
		OnChange: func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			if seen[s.Seq] {
				t.Errorf("Seq %d delivered twice", s.Seq)
			}
			seen[s.Seq] = true
			latest = max(latest, s.Seq)
		},
	})
	defer c.Close()

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.SetScreen(Dimensions{Width: float64(400 + i), Height: 800})
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got := c.Snapshot().Seq; got != latest {
		t.Errorf("Snapshot().Seq = %d, want newest delivered %d", got, latest)
	}
	if len(seen) != int(latest) {
		t.Errorf("delivered %d snapshots, want one per Seq up to %d", len(seen), latest)
	}
}

func TestController_CloseCancelsEverything(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	backend := &fakeBackend{}
	c := NewController(Config{
		Backend: backend,
		Clock:   clock,
		Policy:  DefaultRetryPolicy(),
		Screen:  testScreen,
		Logger:  discardLogger(),
	})

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)
	load := backend.last(t)
	c.Close()
	c.Close()

	select {
	case <-load.ctx.Done():
	default:
		t.Error("load context not cancelled on Close")
	}
	if got := clock.Pending(); got != 0 {
		t.Errorf("pending timers = %d, want 0", got)
	}

	load.ev.Loaded(Metadata{NaturalWidth: 1, NaturalHeight: 1})
	c.SetSource(MediaSource{URI: "https://cdn.test/b.mp4"}, true)

	snap := c.Snapshot()
	if !snap.Closed || snap.State != StateIdle {
		t.Errorf("snapshot = %+v, want closed and idle", snap)
	}
	if backend.count() != 1 {
		t.Errorf("backend loads = %d, want 1", backend.count())
	}
}

func TestController_RealClockTeardownLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := NewController(Config{
		Backend:     &fakeBackend{},
		Policy:      RetryPolicy{MaxAttempts: 0, BaseDelay: time.Millisecond},
		LoadTimeout: 5 * time.Millisecond,
		Screen:      testScreen,
		Logger:      discardLogger(),
	})

	c.SetSource(MediaSource{URI: "https://cdn.test/a.mp4"}, true)

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateError {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %s, want error after timeout", c.State())
		}
		time.Sleep(time.Millisecond)
	}

	c.SetSource(MediaSource{URI: "https://cdn.test/b.mp4"}, true)
	c.Close()
}
