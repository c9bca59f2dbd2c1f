// Package comments is a client for the video comment API.
package comments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amillerrr/reelplayer/internal/auth"
	"github.com/amillerrr/reelplayer/internal/metrics"
	"github.com/amillerrr/reelplayer/pkg/models"
)

var tracer = otel.Tracer("reel-comments")

const (
	DefaultTimeout  = 10 * time.Second
	maxErrorBodyLen = 64 << 10
)

// APIError is a non-2xx response from the comment API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("comment api: %d %s", e.Status, e.Message)
}

// Is maps status codes onto shared sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusNotFound:
		return target == models.ErrCommentNotFound
	case http.StatusUnauthorized:
		return target == models.ErrUnauthorized
	}
	return false
}

// Page selects one page of a listing.
type Page struct {
	Page  int
	Limit int
}

func (p Page) normalized() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = models.DefaultPageLimit
	}
	if p.Limit > models.MaxPageLimit {
		p.Limit = models.MaxPageLimit
	}
	return p
}

// Config holds client dependencies.
type Config struct {
	BaseURL    string
	Tokens     auth.TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls the comment API.
type Client struct {
	baseURL string
	tokens  auth.TokenSource
	http    *http.Client
	log     *slog.Logger
}

// NewClient creates a comment API client. A nil HTTPClient gets an
// otelhttp-instrumented client with DefaultTimeout.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("comment api base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid comment api base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		tokens:  cfg.Tokens,
		http:    httpClient,
		log:     log,
	}, nil
}

// List returns a page of top-level comments for a video.
func (c *Client) List(ctx context.Context, videoID string, page Page) (*models.CommentPage, error) {
	if videoID == "" {
		return nil, models.ErrMissingVideoID
	}
	var out models.CommentPage
	path := "/videos/" + url.PathEscape(videoID) + "/comments?" + pageQuery(page)
	if err := c.do(ctx, "list", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create posts a top-level comment on a video.
func (c *Client) Create(ctx context.Context, videoID, text string) (*models.Comment, error) {
	if videoID == "" {
		return nil, models.ErrMissingVideoID
	}
	body, err := commentBody(text)
	if err != nil {
		return nil, err
	}
	var out models.Comment
	if err := c.do(ctx, "create", http.MethodPost, "/videos/"+url.PathEscape(videoID)+"/comments", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a comment.
func (c *Client) Delete(ctx context.Context, commentID string) error {
	if commentID == "" {
		return models.ErrMissingCommentID
	}
	return c.do(ctx, "delete", http.MethodDelete, commentPath(commentID, ""), nil, nil)
}

// Like likes a comment and returns its updated state.
func (c *Client) Like(ctx context.Context, commentID string) (*models.Comment, error) {
	return c.toggle(ctx, "like", http.MethodPost, commentID, "/like")
}

// Unlike removes a like.
func (c *Client) Unlike(ctx context.Context, commentID string) (*models.Comment, error) {
	return c.toggle(ctx, "unlike", http.MethodDelete, commentID, "/like")
}

// Pin pins a comment to the top of its video.
func (c *Client) Pin(ctx context.Context, commentID string) (*models.Comment, error) {
	return c.toggle(ctx, "pin", http.MethodPost, commentID, "/pin")
}

// Unpin removes a pin.
func (c *Client) Unpin(ctx context.Context, commentID string) (*models.Comment, error) {
	return c.toggle(ctx, "unpin", http.MethodDelete, commentID, "/pin")
}

// Replies returns a page of replies to a comment.
func (c *Client) Replies(ctx context.Context, commentID string, page Page) (*models.CommentPage, error) {
	if commentID == "" {
		return nil, models.ErrMissingCommentID
	}
	var out models.CommentPage
	if err := c.do(ctx, "replies", http.MethodGet, commentPath(commentID, "/replies")+"?"+pageQuery(page), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reply posts a reply to a comment.
func (c *Client) Reply(ctx context.Context, commentID, text string) (*models.Comment, error) {
	if commentID == "" {
		return nil, models.ErrMissingCommentID
	}
	body, err := commentBody(text)
	if err != nil {
		return nil, err
	}
	var out models.Comment
	if err := c.do(ctx, "reply", http.MethodPost, commentPath(commentID, "/replies"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) toggle(ctx context.Context, op, method, commentID, suffix string) (*models.Comment, error) {
	if commentID == "" {
		return nil, models.ErrMissingCommentID
	}
	var out models.Comment
	if err := c.do(ctx, op, method, commentPath(commentID, suffix), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) (err error) {
	ctx, span := tracer.Start(ctx, "comments."+op)
	defer span.End()

	start := time.Now()
	status := "error"
	defer func() {
		metrics.CommentRequests.WithLabelValues(op, status).Inc()
		metrics.CommentRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	requestID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("request.id", requestID),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WarnContext(ctx, "Comment API request failed", "op", op, "requestId", requestID, "error", err)
		return fmt.Errorf("comment api %s: %w", op, err)
	}
	defer resp.Body.Close()

	status = strconv.Itoa(resp.StatusCode/100) + "xx"
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp)
		c.log.WarnContext(ctx, "Comment API returned error",
			"op", op,
			"requestId", requestID,
			"status", resp.StatusCode,
			"message", apiErr.Message,
		)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func commentBody(text string) (map[string]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.ErrEmptyCommentText
	}
	if utf8.RuneCountInString(text) > models.MaxCommentLength {
		return nil, fmt.Errorf("%w: max %d characters", models.ErrCommentTooLong, models.MaxCommentLength)
	}
	return map[string]string{"text": text}, nil
}

func commentPath(commentID, suffix string) string {
	return "/comments/" + url.PathEscape(commentID) + suffix
}

func pageQuery(p Page) string {
	p = p.normalized()
	q := url.Values{}
	q.Set("page", strconv.Itoa(p.Page))
	q.Set("limit", strconv.Itoa(p.Limit))
	return q.Encode()
}
