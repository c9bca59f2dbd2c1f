package playback

import (
	"fmt"
	"math"
	"strings"
)

// FillMode maps a media's natural aspect ratio onto the display area.
type FillMode string

const (
	FillCover   FillMode = "cover"
	FillContain FillMode = "contain"
	FillSmart   FillMode = "smart"
	FillStretch FillMode = "stretch"
)

// DefaultFillMode is used when no fill mode is configured.
const DefaultFillMode = FillSmart

// smartCoverage is the share of each screen axis the smart mode must cover
// before letterboxing is requested.
const smartCoverage = 0.95

// IsValid returns true if the fill mode is known.
func (m FillMode) IsValid() bool {
	switch m {
	case FillCover, FillContain, FillSmart, FillStretch:
		return true
	}
	return false
}

// ParseFillMode parses a fill mode name. An empty string yields the default.
func ParseFillMode(s string) (FillMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultFillMode, nil
	}
	m := FillMode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("unknown fill mode %q: want cover, contain, smart or stretch", s)
	}
	return m, nil
}

// Dimensions is a width/height pair in display points.
type Dimensions struct {
	Width  float64
	Height float64
}

// Valid returns true if both sides are positive.
func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Height > 0
}

// LayoutRect is the on-screen placement of a video surface.
type LayoutRect struct {
	Width           float64 `json:"width"`
	Height          float64 `json:"height"`
	TranslateX      float64 `json:"translateX"`
	TranslateY      float64 `json:"translateY"`
	NeedsBackground bool    `json:"needsBackground"`
}

// ComputeLayout derives the surface size and offset for the natural media
// size on the given screen. Degenerate natural dimensions yield a
// full-screen rect with no transform.
func ComputeLayout(natural, screen Dimensions, mode FillMode) LayoutRect {
	full := LayoutRect{Width: screen.Width, Height: screen.Height}
	if !natural.Valid() || !screen.Valid() {
		return full
	}
	if !mode.IsValid() {
		mode = DefaultFillMode
	}

	scaleX := screen.Width / natural.Width
	scaleY := screen.Height / natural.Height

	switch mode {
	case FillStretch:
		return full

	case FillContain:
		rect := scaled(natural, screen, math.Min(scaleX, scaleY))
		rect.NeedsBackground = rect.Width < screen.Width || rect.Height < screen.Height
		return rect

	case FillCover:
		return scaled(natural, screen, math.Max(scaleX, scaleY))

	default:
		rect := scaled(natural, screen, math.Max(scaleX, scaleY))
		rect.NeedsBackground = rect.Width < screen.Width*smartCoverage ||
			rect.Height < screen.Height*smartCoverage
		return rect
	}
}

// scaled sizes the media by scale and centres it on the screen. Overflow
// produces a negative offset.
func scaled(natural, screen Dimensions, scale float64) LayoutRect {
	w := natural.Width * scale
	h := natural.Height * scale
	return LayoutRect{
		Width:      w,
		Height:     h,
		TranslateX: (screen.Width - w) / 2,
		TranslateY: (screen.Height - h) / 2,
	}
}

// LayoutMemo caches the last computed rect so that callers get the same
// pointer back while the inputs are unchanged.
type LayoutMemo struct {
	natural Dimensions
	screen  Dimensions
	mode    FillMode
	rect    *LayoutRect
}

// Compute returns the layout for the inputs, recomputing only when one of
// them changed since the previous call.
func (m *LayoutMemo) Compute(natural, screen Dimensions, mode FillMode) *LayoutRect {
	if m.rect != nil && m.natural == natural && m.screen == screen && m.mode == mode {
		return m.rect
	}
	rect := ComputeLayout(natural, screen, mode)
	m.natural, m.screen, m.mode, m.rect = natural, screen, mode, &rect
	return m.rect
}

// Reset drops the cached rect.
func (m *LayoutMemo) Reset() {
	*m = LayoutMemo{}
}
