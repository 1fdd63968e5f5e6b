// Package pubsub forwards crawl events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/events"
)

// Publisher sends each event as one Pub/Sub message with the crawl id
// and event type as attributes for subscription filtering.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// New connects to Pub/Sub and binds the topic.
func New(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{
		client: client,
		topic:  client.Topic(topicID),
		logger: logger,
	}, nil
}

// Publish sends the event without waiting for server acknowledgement.
// Failed publishes are logged from the result goroutine; event delivery
// to Pub/Sub is best-effort by design.
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"crawl_id":   e.CrawlID,
			"event_type": string(e.Type),
		},
	})

	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			p.logger.Warn("pubsub publish failed",
				zap.String("crawl_id", e.CrawlID),
				zap.String("event_type", string(e.Type)),
				zap.Error(err))
		}
	}()
	return nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
