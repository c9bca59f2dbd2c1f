package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/amillerrr/reelplayer/internal/playback"
	"github.com/amillerrr/reelplayer/pkg/models"
)

// Default timeout for presign operations
const DefaultPresignTimeout = 30 * time.Second

// ErrNoPlayableMedia is returned for a feed item with neither a media key
// nor a playback URL.
var ErrNoPlayableMedia = errors.New("video has no playable media")

// Presigner defines the S3 presign operation used by MediaSigner.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// MediaSigner turns feed items into playable media sources.
type MediaSigner struct {
	presigner Presigner
	bucket    string
	ttl       time.Duration
}

// NewMediaSigner creates a MediaSigner. A nil presigner or empty bucket
// limits signing to items that carry a playback URL.
func NewMediaSigner(presigner Presigner, bucket string, ttl time.Duration) *MediaSigner {
	return &MediaSigner{presigner: presigner, bucket: bucket, ttl: ttl}
}

// NewMediaSignerFromClient creates a MediaSigner from an S3 client.
func NewMediaSignerFromClient(client *s3.Client, bucket string, ttl time.Duration) *MediaSigner {
	return NewMediaSigner(s3.NewPresignClient(client), bucket, ttl)
}

// PresignGet returns a presigned GET URL for key.
func (m *MediaSigner) PresignGet(ctx context.Context, key string) (string, error) {
	if m.presigner == nil || m.bucket == "" {
		return "", errors.New("media bucket is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultPresignTimeout)
	defer cancel()

	req, err := m.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = m.ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign request: %w", err)
	}

	return req.URL, nil
}

// SignVideo returns the media source for a feed item. Stored media keys are
// presigned; otherwise the item's playback URL is used as is.
func (m *MediaSigner) SignVideo(ctx context.Context, video models.FeedVideo) (playback.MediaSource, error) {
	if err := video.Validate(); err != nil {
		return playback.MediaSource{}, err
	}

	if video.PlaybackKey != "" && m.presigner != nil && m.bucket != "" {
		uri, err := m.PresignGet(ctx, video.PlaybackKey)
		if err != nil {
			return playback.MediaSource{}, err
		}
		return playback.MediaSource{URI: uri, CacheKey: video.VideoID}, nil
	}

	if video.PlaybackURL != "" {
		src := playback.Resolve(playback.MediaSource{URI: video.PlaybackURL})
		src.CacheKey = video.VideoID
		return src, nil
	}

	return playback.MediaSource{}, fmt.Errorf("%w: %s", ErrNoPlayableMedia, video.VideoID)
}
