package httpapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ritualbot/internal/eventbus"
	"ritualbot/internal/interrupt"
	logx "ritualbot/pkg/logx"
)

// Messages pushed to web clients besides the bus events themselves.
const (
	MsgNotify     = "notify"
	MsgModalOpen  = "modal.open"
	MsgModalClose = "modal.close"
)

var ErrNoClients = errors.New("httpapi: no connected clients")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// WSMessage is the envelope of every frame sent to a client.
type WSMessage struct {
	Type    string    `json:"type"`
	UserID  string    `json:"user_id,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// inbound frames from clients; only wake requests are understood.
type wsInbound struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type client struct {
	user string
	conn *websocket.Conn
	send chan WSMessage
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub keeps the web clients of each user and forwards bus events to them.
// It is also the interrupt presenter for web UIs.
type Hub struct {
	log logx.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

var _ interrupt.Presenter = (*Hub)(nil)

func NewHub(log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{log: log.With(logx.String("comp", "ws")), clients: map[string]map[*client]struct{}{}}
}

// Run forwards bus events until ctx ends.
func (h *Hub) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			h.send(ev.UserID, WSMessage{Type: ev.Type, UserID: ev.UserID, Time: ev.Time, Payload: ev.Data})
		}
	}
}

// Clients returns the number of connected clients for user.
func (h *Hub) Clients(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[user])
}

// send queues m for every client of user and reports how many accepted it.
func (h *Hub) send(user string, m WSMessage) int {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients[user] {
		select {
		case c.send <- m:
			n++
		default:
			h.log.Warn("client too slow, dropping frame", logx.String("user", user), logx.String("type", m.Type))
		}
	}
	return n
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	set := h.clients[c.user]
	if set == nil {
		set = map[*client]struct{}{}
		h.clients[c.user] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("client connected", logx.String("user", c.user))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if set := h.clients[c.user]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.user)
		}
	}
	h.mu.Unlock()
	c.close()
	h.log.Debug("client disconnected", logx.String("user", c.user))
}

func (h *Hub) Notify(_ context.Context, t interrupt.Trigger) error {
	if h.send(t.UserID, WSMessage{Type: MsgNotify, UserID: t.UserID, Payload: t}) == 0 {
		return ErrNoClients
	}
	return nil
}

// OpenModal fails when nobody is connected, which the loop treats as a snooze.
func (h *Hub) OpenModal(_ context.Context, t interrupt.Trigger) error {
	if h.send(t.UserID, WSMessage{Type: MsgModalOpen, UserID: t.UserID, Payload: t}) == 0 {
		return ErrNoClients
	}
	return nil
}

func (h *Hub) CloseModal(_ context.Context, userID string) {
	h.send(userID, WSMessage{Type: MsgModalClose, UserID: userID})
}

// serve owns conn until it closes. Frames from the client are handed to onWake.
func (h *Hub) serve(c *client, first []WSMessage, onWake func(reason string)) {
	h.add(c)
	defer h.remove(c)

	go h.writePump(c, first)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var in wsInbound
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("client read failed", logx.String("user", c.user), logx.Err(err))
			}
			return
		}
		if in.Type == "wake" && validWake(in.Reason) {
			onWake(in.Reason)
		}
	}
}

func (h *Hub) writePump(c *client, first []WSMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	write := func(m WSMessage) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(m); err != nil {
			h.log.Debug("client write failed", logx.String("user", c.user), logx.Err(err))
			return false
		}
		return true
	}
	for _, m := range first {
		if !write(m) {
			return
		}
	}
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case m := <-c.send:
			if !write(m) {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func validWake(reason string) bool {
	return reason == interrupt.WakeVisibility || reason == interrupt.WakeFocus
}
