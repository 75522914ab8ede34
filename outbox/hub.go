package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	Topic       string
	AgreementID string
}

func (f Filter) Match(msg Message) bool {
	if f.Topic != "" && f.Topic != msg.Topic {
		return false
	}
	if f.AgreementID != "" && f.AgreementID != msg.AgreementID {
		return false
	}
	return true
}

// Frame is what a websocket subscriber receives for each message.
type Frame struct {
	Message
	Payload json.RawMessage `json:"payload"`
}

type subscriber struct {
	filter Filter
	send   chan Message
}

// Hub fans published messages out to websocket subscribers. A subscriber whose
// buffer is full is disconnected rather than allowed to stall the relay.
type Hub struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	buffer   int
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

// Publish never blocks on a subscriber.
func (h *Hub) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.filter.Match(msg) {
			continue
		}
		select {
		case sub.send <- msg:
		default:
			delete(h.subs, sub)
			close(sub.send)
			h.logger.Warn("dropping slow subscriber", zap.String("topic", sub.filter.Topic), zap.String("agreement_id", sub.filter.AgreementID))
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.send)
	}
}

func (h *Hub) subscribe(f Filter) *subscriber {
	sub := &subscriber{filter: f, send: make(chan Message, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// ServeWS upgrades the request and streams matching messages until either side
// closes. The topic and agreement_id query parameters become the Filter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	q := r.URL.Query()
	sub := h.subscribe(Filter{Topic: q.Get("topic"), AgreementID: q.Get("agreement_id")})

	go h.readPump(conn, sub)
	h.writePump(conn, sub)
}

// readPump only services control frames; anything the client sends is ignored.
func (h *Hub) readPump(conn *websocket.Conn, sub *subscriber) {
	defer h.unsubscribe(sub)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		h.unsubscribe(sub)
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(Frame{Message: msg, Payload: msg.Payload}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
