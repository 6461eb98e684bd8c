package pkg

import (
	"context"
	"fmt"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	OrderEventsStream = "ORDER_EVENTS"
	OrderEventsFilter = "orders.>"

	defaultFetchBatch = 500
)

// NATSStream keeps order events in JetStream so a board that starts late can
// replay what it missed before switching to live delivery.
type NATSStream struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	logger   aqm.Logger
	cc       jetstream.ConsumeContext
}

type NATSStreamConfig struct {
	URL          string
	StreamName   string
	Subject      string
	ConsumerName string
	MaxAge       time.Duration
	MaxMsgs      int64
}

// OrderStreamConfig is the stream layout shared by storefront and pos.
func OrderStreamConfig(url, consumer string) NATSStreamConfig {
	return NATSStreamConfig{
		URL:          url,
		StreamName:   OrderEventsStream,
		Subject:      OrderEventsFilter,
		ConsumerName: consumer,
		MaxAge:       12 * time.Hour,
	}
}

func NewNATSStream(ctx context.Context, cfg NATSStreamConfig, logger aqm.Logger) (*NATSStream, error) {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	conn, err := connect(cfg.URL, "dishlens-stream-"+cfg.ConsumerName)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamCfg := jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.Subject},
		MaxAge:   cfg.MaxAge,
	}
	if cfg.MaxMsgs > 0 {
		streamCfg.MaxMsgs = cfg.MaxMsgs
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.ConsumerName,
		Durable:       cfg.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: cfg.Subject,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.ConsumerName, err)
	}

	return &NATSStream{conn: conn, js: js, consumer: consumer, logger: logger}, nil
}

func (s *NATSStream) Publish(ctx context.Context, topic string, msg []byte) error {
	if _, err := s.js.Publish(ctx, topic, msg); err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

// Fetch drains up to limit pending messages for replay.
func (s *NATSStream) Fetch(ctx context.Context, limit int) ([]events.StreamMessage, error) {
	if limit <= 0 {
		limit = defaultFetchBatch
	}

	wait := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < wait {
			wait = d
		}
	}

	batch, err := s.consumer.Fetch(limit, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var out []events.StreamMessage
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			_ = msg.Ack()
			continue
		}
		out = append(out, events.StreamMessage{
			Data:      msg.Data(),
			Sequence:  meta.Sequence.Stream,
			Timestamp: meta.Timestamp.UnixNano(),
		})
		_ = msg.Ack()
	}
	return out, batch.Error()
}

// Subscribe consumes live messages; topic is fixed by the consumer filter.
func (s *NATSStream) Subscribe(ctx context.Context, _ string, handler events.HandlerFunc) error {
	return s.SubscribeStream(ctx, handler)
}

func (s *NATSStream) SubscribeStream(ctx context.Context, handler events.HandlerFunc) error {
	cc, err := s.consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(ctx, msg.Data()); err != nil {
			s.logger.Error("stream handler failed", "subject", msg.Subject(), "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", OrderEventsStream, err)
	}
	s.cc = cc
	return nil
}

func (s *NATSStream) Close() error {
	if s.cc != nil {
		s.cc.Stop()
	}
	s.conn.Close()
	return nil
}
