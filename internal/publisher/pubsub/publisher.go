// Package pubsub implements a Google Cloud Pub/Sub backend. Each payload is
// published as one message ordered by match id.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/realtime-cricket-fleet/internal/fleet"
	"github.com/JakeFAU/realtime-cricket-fleet/internal/retry"
)

// Config names the destination topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Publisher wraps a Pub/Sub topic with message ordering enabled.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// New dials Pub/Sub and opens cfg.TopicID.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, errors.New("pubsub project id and topic id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := NewWithTopic(client.Topic(cfg.TopicID), logger)
	p.client = client
	return p, nil
}

// NewWithTopic wraps an existing topic handle.
func NewWithTopic(topic *pubsub.Topic, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	topic.EnableMessageOrdering = true
	return &Publisher{topic: topic, logger: logger.Named("pubsub_publisher")}
}

// Push marshals the payload to JSON and publishes it with the match id as
// ordering key. A failed publish pauses the key, so it is resumed before
// the error is returned.
func (p *Publisher) Push(ctx context.Context, payload fleet.Payload) error {
	if p.topic == nil {
		return errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:        data,
		OrderingKey: payload.MatchID,
		Attributes: map[string]string{
			"match_id":     payload.MatchID,
			"update_count": strconv.Itoa(len(payload.Updates)),
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		p.topic.ResumePublish(payload.MatchID)
		if ctx.Err() != nil {
			return fmt.Errorf("publish message: %w", err)
		}
		return retry.Transient(fmt.Errorf("publish message: %w", err))
	}
	p.logger.Debug("payload published",
		zap.String("match_id", payload.MatchID),
		zap.String("message_id", id),
		zap.Int("updates", len(payload.Updates)),
	)
	return nil
}

// HealthCheck reports whether the topic is reachable.
func (p *Publisher) HealthCheck(ctx context.Context) bool {
	ok, err := p.topic.Exists(ctx)
	if err != nil {
		p.logger.Debug("topic health check failed", zap.Error(err))
		return false
	}
	return ok
}

// Close flushes pending messages and closes an owned client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
