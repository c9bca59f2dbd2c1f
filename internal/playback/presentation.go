package playback

import "fmt"

// View is the render decision for one item.
type View struct {
	ShowSkeleton bool          `json:"showSkeleton"`
	ShowContent  bool          `json:"showContent"`
	ShowError    bool          `json:"showError"`
	Reveal       bool          `json:"reveal"`
	Category     ErrorCategory `json:"category,omitempty"`
	Message      string        `json:"message,omitempty"`
	RetryLabel   string        `json:"retryLabel,omitempty"`
	AutoRetrying bool          `json:"autoRetrying"`
}

// Present maps a snapshot to what should be on screen. It is a pure
// function of the snapshot.
func Present(s Snapshot) View {
	switch s.State {
	case StateLoaded, StateCached:
		return View{ShowContent: true, Reveal: true}

	case StateError:
		v := View{
			ShowError:   true,
			ShowContent: s.HasFrame,
			Category:    CategoryGeneric,
		}
		if s.Err != nil {
			v.Category = s.Err.Category
		}
		v.Message = v.Category.Message()
		if s.RetryScheduled {
			v.AutoRetrying = true
			v.RetryLabel = fmt.Sprintf("%d/%d", s.Attempts+1, s.MaxAttempts)
		}
		return v

	default:
		return View{ShowSkeleton: true}
	}
}
