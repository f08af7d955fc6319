package tracking

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dispatch-service/internal/events"
	"dispatch-service/pkg/jwt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// sendBuffer is the number of messages queued per connection before new ones
// are dropped.
const sendBuffer = 64

// safeConn queues outgoing messages for a single writer goroutine, so
// publishers never wait on a slow client. gorilla/websocket allows one
// concurrent writer; writeLoop is that writer.
type safeConn struct {
	ws   *websocket.Conn
	send chan Message

	mu     sync.Mutex
	closed bool
}

func newSafeConn(ws *websocket.Conn) *safeConn {
	return &safeConn{ws: ws, send: make(chan Message, sendBuffer)}
}

// enqueue reports false when the connection is closed or its queue is full.
func (c *safeConn) enqueue(m Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

func (c *safeConn) writeLoop(log *zap.Logger) {
	for m := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.ws.WriteJSON(m); err != nil {
			log.Debug("write error", zap.Error(err))
		}
	}
}

func (c *safeConn) readMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

// stop ends writeLoop once the queue drains.
func (c *safeConn) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Message is the envelope written to subscribers.
type Message struct {
	Type       string             `json:"type"`
	Transition *events.Transition `json:"transition,omitempty"`
	Location   *LocationMessage   `json:"location,omitempty"`
}

// LocationMessage is a live technician position.
type LocationMessage struct {
	TechnicianID string    `json:"technician_id"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	At           time.Time `json:"at"`
}

// Hub streams transitions and live positions to WebSocket subscribers,
// keyed like the event bus (request:<id>, technician:<id>).
type Hub struct {
	bus *events.Bus
	log *zap.Logger

	mu    sync.RWMutex
	conns map[string][]*safeConn
}

// NewHub creates a hub fed by bus.
func NewHub(bus *events.Bus, log *zap.Logger) *Hub {
	return &Hub{bus: bus, log: log.Named("ws"), conns: make(map[string][]*safeConn)}
}

// Routes returns a chi.Router for the /ws mount point.
func (h *Hub) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)
	r.Get("/requests/{id}", h.handle(events.RequestKey))
	r.Get("/technicians/{id}", h.handle(events.TechnicianKey))
	return r
}

func (h *Hub) handle(key func(string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, key(chi.URLParam(r, "id")))
	}
}

// Serve upgrades the connection and subscribes it to key until the client
// disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, key string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade error", zap.Error(err))
		return
	}
	conn := newSafeConn(ws)
	log := h.log.With(zap.String("key", key))
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.writeLoop(log)
	}()

	h.mu.Lock()
	h.conns[key] = append(h.conns[key], conn)
	h.mu.Unlock()

	unsubscribe := h.bus.Subscribe(key, func(_ context.Context, t events.Transition) {
		if !conn.enqueue(Message{Type: "transition", Transition: &t}) {
			log.Debug("transition dropped", zap.String("request_id", t.RequestID))
		}
	})
	log.Info("client connected")

	// Block until the client disconnects
	for {
		if _, _, err := conn.readMessage(); err != nil {
			break
		}
	}

	unsubscribe()
	h.removeConn(key, conn)
	conn.stop()
	ws.Close()
	<-done
	log.Info("client disconnected")
}

// BroadcastLocation queues a technician position for subscribers of that
// technician. It never waits on a client.
func (h *Hub) BroadcastLocation(technicianID string, lat, lng float64, at time.Time) {
	key := events.TechnicianKey(technicianID)
	h.mu.RLock()
	conns := append([]*safeConn(nil), h.conns[key]...)
	h.mu.RUnlock()

	msg := Message{Type: "location", Location: &LocationMessage{
		TechnicianID: technicianID, Lat: lat, Lng: lng, At: at,
	}}
	for _, c := range conns {
		if !c.enqueue(msg) {
			h.log.Debug("location dropped", zap.String("key", key))
		}
	}
}

// Connections returns the number of open connections for key.
func (h *Hub) Connections(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[key])
}

func (h *Hub) removeConn(key string, conn *safeConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.conns[key]
	for i, c := range conns {
		if c == conn {
			h.conns[key] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.conns[key]) == 0 {
		delete(h.conns, key)
	}
}
