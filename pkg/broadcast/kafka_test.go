package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
	"github.com/uhyunpark/escrowdex/pkg/app/exchange"
	"github.com/uhyunpark/escrowdex/pkg/storage"
)

var user = common.HexToAddress("0xAA00000000000000000000000000000000000000")

type memAcks struct {
	mu   sync.Mutex
	seqs map[string]uint64
}

func newAcks(name string, seq uint64) *memAcks {
	return &memAcks{seqs: map[string]uint64{name: seq}}
}

func (m *memAcks) LoadAck(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqs[name], nil
}

func (m *memAcks) SaveAck(name string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[name] = seq
	return nil
}

func newEngine(t *testing.T, deposits int) *exchange.Engine {
	t.Helper()
	eng, err := exchange.New(exchange.Config{FeeAccount: common.HexToAddress("0xFEE0")})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	for i := 1; i <= deposits; i++ {
		if _, err := eng.DepositNative(context.Background(), user, asset.Units(uint64(i))); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	return eng
}

// runUntil runs the broadcaster until acks reaches seq
func runUntil(t *testing.T, b *Broadcaster, eng *exchange.Engine, acks *memAcks, seq uint64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, eng)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		acked, _ := acks.LoadAck(b.ackName())
		if acked >= seq {
			break
		}
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("acked %d, want %d", acked, seq)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestBroadcastPublishesInOrder(t *testing.T) {
	eng := newEngine(t, 2)
	producer := mocks.NewSyncProducer(t, nil)
	for want := uint64(1); want <= 2; want++ {
		want := want
		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			body, err := msg.Value.Encode()
			if err != nil {
				return err
			}
			ev, err := storage.DecodeEvent(body)
			if err != nil {
				return err
			}
			if ev.Seq != want || !ev.Amount.Eq(asset.Units(want)) {
				return errors.New("unexpected event")
			}
			key, _ := msg.Key.Encode()
			if string(key) != user.Hex() || msg.Topic != "events" {
				return errors.New("unexpected key or topic")
			}
			return nil
		})
	}

	acks := newAcks("kafka:events", 0)
	b := NewWithProducer(producer, "events", acks, nil)
	runUntil(t, b, eng, acks, 2)
	if err := b.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestBroadcastRetriesAndResumes(t *testing.T) {
	eng := newEngine(t, 3)
	producer := mocks.NewSyncProducer(t, nil)
	// seq 1 was delivered before a restart; seq 2 fails once
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()

	acks := newAcks("kafka:events", 1)
	b := NewWithProducer(producer, "events", acks, nil)
	b.retry = time.Millisecond
	runUntil(t, b, eng, acks, 3)
	b.Close()
}
