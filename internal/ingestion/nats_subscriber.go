package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	PricesSubject = "perp.prices.>"
	KeeperSubject = "perp.keeper.>"

	PricesStream = "PERP_PRICES"
	KeeperStream = "PERP_KEEPER"
)

// RawEvent is an unparsed inbound message. The dispatcher settles it once the
// resulting call has committed or was rejected for good.
type RawEvent struct {
	Subject   string
	Data      []byte
	MsgID     string
	Delivered uint64 // 1 on first delivery
	Timestamp time.Time
	AckFunc   func() // done, do not redeliver
	NakFunc   func() // transient failure, redeliver
	TermFunc  func() // malformed, never redeliver
}

// SubjectConfig binds an inbound subject to its stream and durable consumer.
type SubjectConfig struct {
	Subject    string
	Consumer   string
	Stream     jetstream.StreamConfig
	Deliver    jetstream.DeliverPolicy
	AckWait    time.Duration
	MaxDeliver int
}

// DefaultSubjects returns the price feed and keeper command bindings.
// Prices are only useful while fresh, so their consumer starts at new
// messages and gives up quickly; keeper commands are a work queue
// deduplicated on Nats-Msg-Id.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{
			Subject:  PricesSubject,
			Consumer: "settle-prices",
			Stream: jetstream.StreamConfig{
				Name:      PricesStream,
				Subjects:  []string{PricesSubject},
				Storage:   jetstream.FileStorage,
				Retention: jetstream.LimitsPolicy,
				MaxAge:    time.Hour,
				Replicas:  1,
			},
			Deliver:    jetstream.DeliverNewPolicy,
			AckWait:    5 * time.Second,
			MaxDeliver: 2,
		},
		{
			Subject:  KeeperSubject,
			Consumer: "settle-keeper",
			Stream: jetstream.StreamConfig{
				Name:       KeeperStream,
				Subjects:   []string{KeeperSubject},
				Storage:    jetstream.FileStorage,
				Retention:  jetstream.WorkQueuePolicy,
				MaxAge:     72 * time.Hour,
				Duplicates: 10 * time.Minute,
				Replicas:   1,
			},
			Deliver:    jetstream.DeliverAllPolicy,
			AckWait:    30 * time.Second,
			MaxDeliver: 5,
		},
	}
}

// NATSSubscriber consumes price updates and keeper commands from JetStream
// and hands them to the dispatcher.
type NATSSubscriber struct {
	js        jetstream.JetStream
	out       chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, out: out, log: logger}
}

// Subscribe starts one explicit-ack durable consumer per binding.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, sc := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, sc.Stream.Name, jetstream.ConsumerConfig{
			Durable:       sc.Consumer,
			FilterSubject: sc.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       sc.AckWait,
			MaxDeliver:    sc.MaxDeliver,
			DeliverPolicy: sc.Deliver,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", sc.Consumer, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.forward(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", sc.Consumer, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.log.Info().
			Str("subject", sc.Subject).
			Str("consumer", sc.Consumer).
			Int("max_deliver", sc.MaxDeliver).
			Msg("subscribed")
	}
	return nil
}

func (ns *NATSSubscriber) forward(ctx context.Context, msg jetstream.Msg) {
	raw := RawEvent{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Delivered: 1,
		Timestamp: time.Now(),
		AckFunc:   func() { _ = msg.Ack() },
		NakFunc:   func() { _ = msg.Nak() },
		TermFunc:  func() { _ = msg.Term() },
	}
	if h := msg.Headers(); h != nil {
		raw.MsgID = h.Get(nats.MsgIdHdr)
	}
	if md, err := msg.Metadata(); err == nil {
		raw.Delivered = md.NumDelivered
		if raw.MsgID == "" {
			// Stream sequence keeps redeliveries of the same message deduplicated
			raw.MsgID = fmt.Sprintf("%s-%d", md.Stream, md.Sequence.Stream)
		}
	}

	select {
	case ns.out <- raw:
	case <-ctx.Done():
		_ = msg.Nak()
	}
}

// Stop drains every consumer.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// EnsureStreams declares the inbound streams named by subjects.
func EnsureStreams(ctx context.Context, js StreamManager, subjects []SubjectConfig, logger zerolog.Logger) error {
	for _, sc := range subjects {
		if _, err := js.CreateOrUpdateStream(ctx, sc.Stream); err != nil {
			return fmt.Errorf("create stream %s: %w", sc.Stream.Name, err)
		}
		logger.Info().Str("stream", sc.Stream.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS dials url with unlimited reconnects and returns a JetStream handle.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpsettle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
