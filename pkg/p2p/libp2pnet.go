// Package p2p gossips committed exchange events to peers over libp2p
// GossipSub.
package p2p

import (
	"context"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/storage"
)

const TopicEvents = "escrowdex/events/1"

// EventHandler receives events gossiped by other peers
type EventHandler func(from peer.ID, ev events.Event)

type Libp2pNet struct {
	h     host.Host
	ps    *pubsub.PubSub
	log   *zap.SugaredLogger
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	muH     sync.RWMutex
	handler EventHandler
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	net := &Libp2pNet{h: h, ps: ps, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if net.topic, err = ps.Join(TopicEvents); err != nil {
		h.Close()
		return nil, err
	}
	if net.sub, err = net.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	go net.handleEvents(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", TopicEvents)
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) SetHandler(fn EventHandler) { n.muH.Lock(); n.handler = fn; n.muH.Unlock() }

func (n *Libp2pNet) Host() host.Host { return n.h }

// Addrs returns the host's dialable addresses including its peer id
func (n *Libp2pNet) Addrs() []string {
	out := make([]string, 0, len(n.h.Addrs()))
	for _, a := range n.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	return out
}

// PublishEvent gossips one committed event
func (n *Libp2pNet) PublishEvent(ctx context.Context, ev events.Event) error {
	body, err := storage.EncodeEvent(ev)
	if err != nil {
		return err
	}
	data, err := gobEncode(EventWire{Seq: ev.Seq, Event: body})
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, data)
}

// Follow publishes every event from sub until ctx is done
func (n *Libp2pNet) Follow(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := n.PublishEvent(ctx, ev); err != nil {
			n.log.Warnw("gossip_publish_failed", "seq", ev.Seq, "err", err)
		}
	}
}

func (n *Libp2pNet) Close() error {
	n.sub.Cancel()
	n.topic.Close()
	return n.h.Close()
}

// inbound

func (n *Libp2pNet) handleEvents(ctx context.Context) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w EventWire
		if err := gobDecode(msg.Data, &w); err != nil {
			n.log.Debugw("gossip_bad_message", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		ev, err := storage.DecodeEvent(w.Event)
		if err != nil || ev.Seq != w.Seq {
			n.log.Debugw("gossip_bad_event", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}

		n.muH.RLock()
		h := n.handler
		n.muH.RUnlock()
		if h != nil {
			h(msg.ReceivedFrom, ev)
		}
	}
}
