// Package probe drives feed items through playback controllers against
// their real media URLs and reports the outcome.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/amillerrr/reelplayer/internal/playback"
)

// Media probe settings
const (
	probeRange   = "bytes=0-0"
	maxDrainSize = 4 << 10
)

// HTTPBackend loads media by fetching its first byte. Natural dimensions
// and duration come from the feed item since the probe does not decode.
type HTTPBackend struct {
	Client    *http.Client
	UserAgent string
	Natural   playback.Dimensions
	Duration  time.Duration
}

// Load starts the probe request in the background.
func (b *HTTPBackend) Load(ctx context.Context, src playback.MediaSource, ev playback.Events) {
	go b.load(ctx, src, ev)
}

func (b *HTTPBackend) load(ctx context.Context, src playback.MediaSource, ev playback.Events) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URI, nil)
	if err != nil {
		ev.Failed(playback.BackendError{Message: fmt.Sprintf("invalid media url: %v", err)})
		return
	}
	req.Header.Set("Range", probeRange)
	if b.UserAgent != "" {
		req.Header.Set("User-Agent", b.UserAgent)
	}
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}

	ev.LoadStart()

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		ev.Failed(playback.BackendError{Code: "network", Message: err.Error()})
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainSize))

	if be, ok := classifyResponse(resp); !ok {
		ev.Failed(be)
		return
	}

	ev.Loaded(playback.Metadata{
		NaturalWidth:  b.Natural.Width,
		NaturalHeight: b.Natural.Height,
		Duration:      b.Duration,
		FromCache:     isCacheHit(resp),
	})
}

// classifyResponse returns false with the failure for responses that are
// not playable media.
func classifyResponse(resp *http.Response) (playback.BackendError, bool) {
	status := resp.StatusCode
	switch {
	case status == http.StatusUnsupportedMediaType:
		return playback.BackendError{Code: "format", Message: "unsupported media type"}, false
	case status >= 500:
		return playback.BackendError{Code: "network", Message: fmt.Sprintf("media server error: %d", status)}, false
	case status < 200 || status > 299:
		return playback.BackendError{Message: fmt.Sprintf("media request failed: %d %s", status, http.StatusText(status))}, false
	}

	if err := checkContentType(resp.Header.Get("Content-Type")); err != nil {
		return playback.BackendError{Code: "format", Message: err.Error()}, false
	}
	return playback.BackendError{}, true
}

var errNotMedia = errors.New("response is not a media type")

func checkContentType(contentType string) error {
	if contentType == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("%w: %q", errNotMedia, contentType)
	}
	switch {
	case strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "audio/"),
		mediaType == "application/octet-stream",
		mediaType == "application/vnd.apple.mpegurl",
		mediaType == "application/x-mpegurl",
		mediaType == "application/dash+xml":
		return nil
	}
	return fmt.Errorf("%w: %s", errNotMedia, mediaType)
}

func isCacheHit(resp *http.Response) bool {
	xcache := strings.ToLower(resp.Header.Get("X-Cache"))
	return strings.HasPrefix(xcache, "hit") || resp.Header.Get("Age") != ""
}
