package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
)

func TestEventWireRoundTrip(t *testing.T) {
	data, err := gobEncode(EventWire{Seq: 7, Event: []byte(`{"seq":7}`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var w EventWire
	if err := gobDecode(data, &w); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Seq != 7 || string(w.Event) != `{"seq":7}` {
		t.Errorf("wire = %+v", w)
	}
}

func TestGossipBetweenTwoHosts(t *testing.T) {
	if testing.Short() {
		t.Skip("opens local TCP listeners")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := NewLibp2pNet(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("host a: %v", err)
	}
	defer a.Close()

	b, err := NewLibp2pNet(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0", Bootstrap: a.Addrs()})
	if err != nil {
		t.Fatalf("host b: %v", err)
	}
	defer b.Close()

	got := make(chan events.Event, 16)
	b.SetHandler(func(from peer.ID, ev events.Event) {
		if from == a.Host().ID() {
			got <- ev
		}
	})

	ev := events.Event{
		Seq:     1,
		Kind:    events.KindDeposit,
		User:    common.HexToAddress("0xAA00000000000000000000000000000000000000"),
		Amount:  asset.Units(1),
		Balance: asset.Units(1),
	}

	// the mesh forms on the first heartbeats, so keep publishing until b hears
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := a.PublishEvent(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case recv := <-got:
			if recv.Seq != 1 || recv.Kind != events.KindDeposit || !recv.Amount.Eq(asset.Units(1)) {
				t.Errorf("received %+v", recv)
			}
			return
		case <-tick.C:
		case <-ctx.Done():
			t.Fatal("event never arrived")
		}
	}
}
