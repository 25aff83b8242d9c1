package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
)

const (
	// ChannelEvents carries every committed event
	ChannelEvents = "events"
	// channelAccountPrefix + address carries events the address is party to
	channelAccountPrefix = "account:"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// AccountChannel returns the channel name for events involving addr
func AccountChannel(addr common.Address) string {
	return channelAccountPrefix + addr.Hex()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

type subscription struct {
	client   *Client
	op       string
	channels []string
}

// Hub maintains active WebSocket connections and fans events out to them.
// Only the Run goroutine touches the client set and subscriptions.
type Hub struct {
	clients map[*Client]map[string]bool

	publish    chan events.Event
	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription

	running atomic.Bool
	done    chan struct{}
	log     *zap.SugaredLogger
}

// NewHub creates a new WebSocket hub
func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[*Client]map[string]bool),
		publish:    make(chan events.Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's main loop. It returns when ctx is done, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		for client := range h.clients {
			close(client.send)
		}
		h.clients = nil
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = make(map[string]bool)
			h.log.Debugw("ws_connected", "client", client.id, "total", len(h.clients))

		case client := <-h.unregister:
			h.drop(client)

		case sub := <-h.subscribe:
			subs, ok := h.clients[sub.client]
			if !ok {
				continue
			}
			for _, ch := range sub.channels {
				if sub.op == "subscribe" {
					subs[ch] = true
				} else {
					delete(subs, ch)
				}
			}
			h.deliver(sub.client, WSMessage{Type: sub.op + "d", Data: sub.channels})

		case ev := <-h.publish:
			info := toEventInfo(ev)
			channels := []string{ChannelEvents, AccountChannel(ev.User)}
			if ev.Kind == events.KindTrade && ev.Filler != ev.User {
				channels = append(channels, AccountChannel(ev.Filler))
			}
			for client, subs := range h.clients {
				for _, ch := range channels {
					if subs[ch] {
						h.deliver(client, WSMessage{Type: "event", Channel: ch, Data: info})
					}
				}
			}
		}
	}
}

// Running reports whether Run is serving clients
func (h *Hub) Running() bool { return h.running.Load() }

// Publish queues a committed event for fan-out
func (h *Hub) Publish(ctx context.Context, ev events.Event) error {
	select {
	case h.publish <- ev:
		return nil
	case <-h.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Follow publishes events from sub until ctx is done or the subscription is
// closed
func (h *Hub) Follow(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := h.Publish(ctx, ev); err != nil {
			return
		}
	}
}

func (h *Hub) deliver(client *Client, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorw("ws_marshal_failed", "err", err)
		return
	}
	select {
	case client.send <- data:
	default:
		// Client send buffer full, disconnect
		h.log.Warnw("ws_slow_client", "client", client.id)
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.log.Debugw("ws_disconnected", "client", client.id, "total", len(h.clients))
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// readPump pumps subscription requests from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debugw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Debugw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}
		if req.Op != "subscribe" && req.Op != "unsubscribe" {
			c.hub.log.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
			continue
		}

		channels := make([]string, 0, len(req.Channels))
		for _, ch := range req.Channels {
			if norm, ok := normalizeChannel(ch); ok {
				channels = append(channels, norm)
			}
		}

		select {
		case c.hub.subscribe <- subscription{client: c, op: req.Op, channels: channels}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// normalizeChannel accepts "events" and "account:{address}" with the address
// in any case
func normalizeChannel(ch string) (string, bool) {
	if ch == ChannelEvents {
		return ch, true
	}
	addr, ok := strings.CutPrefix(ch, channelAccountPrefix)
	if !ok || !common.IsHexAddress(addr) {
		return "", false
	}
	return AccountChannel(common.HexToAddress(addr)), true
}

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.hub.Running() {
		respondError(w, http.StatusServiceUnavailable, "stream not started", "event stream is not running")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   conn.RemoteAddr().String(),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
