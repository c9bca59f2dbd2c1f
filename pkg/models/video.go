package models

import "time"

// FeedVideo represents a feed item as stored in DynamoDB.
type FeedVideo struct {
	// Keys
	PK     string `dynamodbav:"pk" json:"-"`
	SK     string `dynamodbav:"sk" json:"-"`
	GSI1PK string `dynamodbav:"gsi1pk,omitempty" json:"-"`
	GSI1SK string `dynamodbav:"gsi1sk,omitempty" json:"-"`

	// Attributes
	VideoID         string  `dynamodbav:"video_id" json:"videoId"`
	PlaybackKey     string  `dynamodbav:"playback_key,omitempty" json:"playbackKey,omitempty"`
	PlaybackURL     string  `dynamodbav:"playback_url,omitempty" json:"playbackUrl,omitempty"`
	Width           int     `dynamodbav:"width,omitempty" json:"width,omitempty"`
	Height          int     `dynamodbav:"height,omitempty" json:"height,omitempty"`
	DurationSeconds float64 `dynamodbav:"duration_seconds,omitempty" json:"durationSeconds,omitempty"`
	AuthorID        string  `dynamodbav:"author_id,omitempty" json:"authorId,omitempty"`
	Caption         string  `dynamodbav:"caption,omitempty" json:"caption,omitempty"`
	CreatedAt       string  `dynamodbav:"created_at" json:"createdAt"`
}

// Validate checks that the feed item can be played.
func (v *FeedVideo) Validate() error {
	if v.VideoID == "" {
		return ErrMissingVideoID
	}
	return nil
}

// PlaybackOutcome is the final result of driving one feed item to a settled state.
type PlaybackOutcome string

const (
	OutcomeLoaded    PlaybackOutcome = "loaded"
	OutcomeFailed    PlaybackOutcome = "failed"
	OutcomeCancelled PlaybackOutcome = "cancelled"
)

// PlaybackEvent is a QoE record emitted once per probed feed item.
type PlaybackEvent struct {
	EventID      string          `json:"eventId"`
	VideoID      string          `json:"videoId"`
	URI          string          `json:"uri"`
	Outcome      PlaybackOutcome `json:"outcome"`
	State        string          `json:"state"`
	Category     string          `json:"category,omitempty"`
	Message      string          `json:"message,omitempty"`
	Attempts     int             `json:"attempts"`
	TimeToSettle time.Duration   `json:"timeToSettleNs"`
	OccurredAt   time.Time       `json:"occurredAt"`
}
