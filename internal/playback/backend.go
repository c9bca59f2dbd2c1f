package playback

import (
	"context"
	"time"
)

// Metadata is reported by the backend once the media is ready.
type Metadata struct {
	NaturalWidth  float64
	NaturalHeight float64
	Duration      time.Duration
	FromCache     bool
}

// Natural returns the natural media dimensions.
func (m Metadata) Natural() Dimensions {
	return Dimensions{Width: m.NaturalWidth, Height: m.NaturalHeight}
}

// ProgressStatus is a playback position update.
type ProgressStatus struct {
	Position  time.Duration
	Buffered  time.Duration
	Duration  time.Duration
	Buffering bool
}

// Events receives the callbacks of a single load. Each load gets its own
// Events value; calls made after the controller moved on are ignored.
type Events interface {
	LoadStart()
	Loaded(Metadata)
	Failed(BackendError)
	Progress(ProgressStatus)
}

// Backend performs the actual media load. Load must not block the caller
// for the duration of the load; results are delivered through ev. ctx is
// cancelled when the controller abandons the load.
type Backend interface {
	Load(ctx context.Context, src MediaSource, ev Events)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, src MediaSource, ev Events)

func (f BackendFunc) Load(ctx context.Context, src MediaSource, ev Events) {
	f(ctx, src, ev)
}
