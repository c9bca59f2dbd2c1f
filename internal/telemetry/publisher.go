// Package telemetry publishes playback quality events.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/amillerrr/reelplayer/internal/metrics"
	"github.com/amillerrr/reelplayer/pkg/models"
)

// SQSAPI defines the SQS operation used by Publisher.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends playback events to an SQS queue as JSON.
type Publisher struct {
	client   SQSAPI
	queueURL string
	log      *slog.Logger
}

// NewPublisher creates a Publisher for the queue.
func NewPublisher(client SQSAPI, queueURL string, log *slog.Logger) (*Publisher, error) {
	if queueURL == "" {
		return nil, errors.New("events queue url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{client: client, queueURL: queueURL, log: log}, nil
}

// Publish sends the event. Missing event ids and timestamps are filled in.
func (p *Publisher) Publish(ctx context.Context, event models.PlaybackEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"outcome": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Outcome)),
			},
		},
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		p.log.ErrorContext(ctx, "Failed to publish playback event",
			"error", err,
			"eventId", event.EventID,
			"videoId", event.VideoID,
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.EventsPublished.WithLabelValues("ok").Inc()
	return nil
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, models.PlaybackEvent) error { return nil }
