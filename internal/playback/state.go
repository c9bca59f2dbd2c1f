// Package playback implements the per-item adaptive video playback
// controller: source resolution, layout calculation, the loading/retry
// state machine and the presentation mapping.
package playback

// LoadingState represents where a controller is in the load lifecycle.
type LoadingState string

const (
	StateIdle       LoadingState = "idle"
	StatePreloading LoadingState = "preloading"
	StateLoading    LoadingState = "loading"
	StateLoaded     LoadingState = "loaded"
	StateCached     LoadingState = "cached"
	StateRetrying   LoadingState = "retrying"
	StateError      LoadingState = "error"
)

// IsValid returns true if the state is a known LoadingState.
func (s LoadingState) IsValid() bool {
	switch s {
	case StateIdle, StatePreloading, StateLoading, StateLoaded, StateCached, StateRetrying, StateError:
		return true
	}
	return false
}

// IsActive returns true while a backend load is in flight.
func (s LoadingState) IsActive() bool {
	return s == StatePreloading || s == StateLoading || s == StateRetrying
}

// IsSettled returns true once the media is ready to display.
func (s LoadingState) IsSettled() bool {
	return s == StateLoaded || s == StateCached
}

func (s LoadingState) String() string {
	return string(s)
}
