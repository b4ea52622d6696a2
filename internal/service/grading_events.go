package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograder/internal/grading"
	"github.com/noah-isme/gema-autograder/internal/observability"
)

type gradingEventEnvelope struct {
	Source string        `json:"source"`
	Event  grading.Event `json:"event"`
	SentAt time.Time     `json:"sent_at"`
}

// NATSPublisher publishes grading events on a NATS subject and relays events
// published by other nodes into the local hub, so websocket clients see every
// run whichever node graded it.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	hub     *grading.Hub
	nodeID  string
	logger  zerolog.Logger
}

// NewNATSPublisher builds the publisher. A nil connection or empty subject
// turns Publish and Start into no-ops.
func NewNATSPublisher(conn *nats.Conn, subject string, hub *grading.Hub, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		hub:     hub,
		nodeID:  uuid.NewString(),
		logger:  logger.With().Str("component", "grading_event_publisher").Logger(),
	}
}

func (p *NATSPublisher) enabled() bool {
	return p.conn != nil && p.subject != ""
}

// Publish implements grading.Publisher.
func (p *NATSPublisher) Publish(_ context.Context, event grading.Event) error {
	if !p.enabled() {
		return nil
	}
	payload, err := p.encode(event)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return err
	}
	observability.GradingEvents().WithLabelValues(string(event.Type), "out").Inc()
	return nil
}

func (p *NATSPublisher) encode(event grading.Event) ([]byte, error) {
	return json.Marshal(gradingEventEnvelope{
		Source: p.nodeID,
		Event:  event,
		SentAt: time.Now().UTC(),
	})
}

// Start subscribes to the subject until ctx is done.
func (p *NATSPublisher) Start(ctx context.Context) {
	if !p.enabled() || p.hub == nil {
		return
	}
	sub, err := p.conn.Subscribe(p.subject, func(msg *nats.Msg) {
		p.handle(ctx, msg.Data)
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to subscribe to grading events subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			p.logger.Warn().Err(err).Msg("failed to drain grading events subscription")
		}
	}()
}

func (p *NATSPublisher) handle(ctx context.Context, payload []byte) {
	var envelope gradingEventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		p.logger.Warn().Err(err).Msg("invalid grading event payload")
		return
	}
	if envelope.Source == p.nodeID || p.hub == nil {
		return
	}
	observability.GradingEvents().WithLabelValues(string(envelope.Event.Type), "in").Inc()
	_ = p.hub.Publish(ctx, envelope.Event)
}

// StatsCacheInvalidator drops cached assignment statistics whenever a run
// changes scores.
type StatsCacheInvalidator struct {
	cache  *redis.Client
	logger zerolog.Logger
}

// NewStatsCacheInvalidator builds the invalidator.
func NewStatsCacheInvalidator(cache *redis.Client, logger zerolog.Logger) *StatsCacheInvalidator {
	return &StatsCacheInvalidator{
		cache:  cache,
		logger: logger.With().Str("component", "grading_stats_invalidator").Logger(),
	}
}

// Publish implements grading.Publisher.
func (i *StatsCacheInvalidator) Publish(ctx context.Context, event grading.Event) error {
	if i.cache == nil || event.AssignmentID == 0 {
		return nil
	}
	switch event.Type {
	case grading.EventGradingCompleted, grading.EventGradingFailed, grading.EventAnswerGraded:
	default:
		return nil
	}
	if err := i.cache.Del(ctx, StatsCacheKey(event.AssignmentID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
