package playback

import "strings"

// MediaSource is a playable media reference.
type MediaSource struct {
	URI      string
	Headers  map[string]string
	CacheKey string
}

// IsEmpty returns true if the source has nothing to load.
func (s MediaSource) IsEmpty() bool {
	return strings.TrimSpace(s.URI) == ""
}

// Resolve normalizes a source so that its URI carries an explicit scheme.
// URIs without http:// or https:// get http:// prepended. Reachability is
// not checked and every other field is passed through.
func Resolve(src MediaSource) MediaSource {
	src.URI = strings.TrimSpace(src.URI)
	if src.URI == "" {
		return src
	}
	if !hasHTTPScheme(src.URI) {
		src.URI = "http://" + src.URI
	}
	return src
}

func hasHTTPScheme(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
