// Package broadcast publishes committed exchange events to Kafka.
package broadcast

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/storage"
)

// Source is where the broadcaster reads committed events from
type Source interface {
	Subscribe(from uint64) *events.Subscription
}

// AckStore remembers the last event Kafka acknowledged, so a restart resumes
// after it
type AckStore interface {
	LoadAck(name string) (uint64, error)
	SaveAck(name string, seq uint64) error
}

type Broadcaster struct {
	producer sarama.SyncProducer
	topic    string
	acks     AckStore
	retry    time.Duration
	log      *zap.SugaredLogger
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(brokers []string, topic string, acks AckStore, log *zap.SugaredLogger) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_1_0_0

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewWithProducer(producer, topic, acks, log), nil
}

// NewWithProducer wraps an existing producer. acks may be nil to start from
// the first event every time.
func NewWithProducer(producer sarama.SyncProducer, topic string, acks AckStore, log *zap.SugaredLogger) *Broadcaster {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Broadcaster{
		producer: producer,
		topic:    topic,
		acks:     acks,
		retry:    250 * time.Millisecond,
		log:      log,
	}
}

// ------------------------------------------------
// START LOOP
// ------------------------------------------------

// Run publishes every event after the last acknowledged one, in order, until
// ctx is done. A failed send is retried until it succeeds; events are never
// skipped.
func (b *Broadcaster) Run(ctx context.Context, src Source) error {
	var from uint64
	if b.acks != nil {
		acked, err := b.acks.LoadAck(b.ackName())
		if err != nil {
			return fmt.Errorf("load ack: %w", err)
		}
		from = acked
	}
	b.log.Infow("broadcaster_started", "topic", b.topic, "from", from)

	sub := src.Subscribe(from)
	defer sub.Close()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return nil
		}
		if err := b.publish(ctx, ev); err != nil {
			return nil
		}
	}
}

func (b *Broadcaster) publish(ctx context.Context, ev events.Event) error {
	body, err := storage.EncodeEvent(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.User.Hex()),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("seq"), Value: []byte(strconv.FormatUint(ev.Seq, 10))},
			{Key: []byte("kind"), Value: []byte(ev.Kind)},
		},
	}

	for {
		partition, offset, err := b.producer.SendMessage(msg)
		if err == nil {
			b.log.Debugw("event_broadcast", "seq", ev.Seq, "partition", partition, "offset", offset)
			break
		}
		b.log.Warnw("broadcast_failed", "seq", ev.Seq, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retry):
		}
	}

	if b.acks != nil {
		if err := b.acks.SaveAck(b.ackName(), ev.Seq); err != nil {
			b.log.Warnw("ack_save_failed", "seq", ev.Seq, "err", err)
		}
	}
	return nil
}

func (b *Broadcaster) ackName() string { return "kafka:" + b.topic }

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
