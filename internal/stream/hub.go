// Package stream broadcasts recommendation audit events to connected
// reviewer-dashboard clients over a websocket, grounded on the module's
// gin HTTP boundary and the gorilla/websocket connection pattern used
// elsewhere in this corpus for a long-lived duplex connection. The
// dashboard UI itself is out of scope (spec §1); this is only the push
// channel a backend owns.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/acmg-amp-mcp-server/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The audit feed is read by a trusted internal dashboard, not a
	// public browser origin list; restrict at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// auditEvent is the de-identified projection of a Recommendation pushed to
// dashboard clients — the same fields the file-based audit log records,
// never the source PatientCase (P9: no PHI ever leaves the engine).
type auditEvent struct {
	RequestID             string                   `json:"request_id"`
	InfectionCategory     domain.InfectionCategory `json:"infection_category"`
	AllergyClassification domain.AllergySeverity   `json:"allergy_classification"`
	DrugIDs               []string                 `json:"drug_ids"`
	Confidence            float64                  `json:"confidence"`
	EmittedAt             time.Time                `json:"emitted_at"`
}

// client is one connected dashboard websocket, with a buffered outbound
// queue so a slow reader never blocks the broadcaster.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out audit events to every connected client.
type Hub struct {
	log *logrus.Logger

	mu      sync.Mutex
	clients map[*client]bool
}

// NewHub builds a Hub.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*client]bool)}
}

// ServeWS upgrades an HTTP request to a websocket and registers the
// connection with the hub until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.WithError(err).Warn("failed to upgrade audit feed connection")
		}
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 32)}
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump drains and discards client frames; it exists only to detect
// disconnects and honor gorilla/websocket's read-side keepalive contract.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast pushes a recommendation to every connected client as a
// de-identified audit event. Meant to be wired as an
// engine.Engine.OnRecommendation hook.
func (h *Hub) Broadcast(rec *domain.Recommendation) {
	drugIDs := make([]string, 0, len(rec.ChosenRegimen.Drugs))
	for _, d := range rec.ChosenRegimen.Drugs {
		drugIDs = append(drugIDs, d.DrugID)
	}
	event := auditEvent{
		RequestID:             rec.RequestID,
		InfectionCategory:     rec.InfectionCategory,
		AllergyClassification: rec.AllergyClassification,
		DrugIDs:               drugIDs,
		Confidence:            rec.Confidence,
		EmittedAt:             rec.EmittedAt,
	}

	data, err := json.Marshal(event)
	if err != nil {
		if h.log != nil {
			h.log.WithError(err).Warn("failed to marshal audit event for broadcast")
		}
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop the connection rather than block the
			// broadcaster or grow its queue unbounded.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ClientCount reports the number of currently connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
