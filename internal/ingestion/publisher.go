package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
)

const (
	OutboundStream       = "PERP_SETTLE_EVENTS"
	outboundSubjectRoot  = "perp.settle.events"
	outboundPublishRetry = 3
)

// StreamPublisher is the subset of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed records to NATS for downstream consumers.
// Records arrive after commit, so a failed publish never affects state.
// Subjects follow the pattern: perp.settle.events.{event_type}[.{pair}]
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan event.Record
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan event.Record, logger zerolog.Logger, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       logger,
		metrics:   metrics,
	}
}

// Subject returns the outbound subject of a record.
func Subject(rec event.Record) string {
	subject := outboundSubjectRoot + "." + rec.EventType.String()
	if rec.MarketID != nil {
		subject += "." + *rec.MarketID
	}
	return subject
}

// Run starts the outbound publisher loop. It returns when ctx is done or the
// input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, rec); err != nil {
				// Non-fatal: consumers can page the event log through the API
				op.log.Warn().Err(err).Int64("sequence", rec.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
				continue
			}
			if op.metrics != nil {
				op.metrics.Published.WithLabelValues(rec.EventType.String()).Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, rec event.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	// The sequence doubles as the JetStream dedup id, so a retried publish
	// lands once.
	msgID := strconv.FormatInt(rec.Sequence, 10)
	subject := Subject(rec)
	for attempt := 1; ; attempt++ {
		_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
		if err == nil || attempt == outboundPublishRetry || ctx.Err() != nil {
			return err
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
}

// StreamManager is the subset of jetstream.JetStream used to declare streams.
type StreamManager interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js StreamManager, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{outboundSubjectRoot + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
