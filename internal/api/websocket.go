package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cypherbabel/bito-indexer/internal/index"
	"github.com/cypherbabel/bito-indexer/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for local dashboards
	},
}

// Hub maintains the set of active websocket clients and broadcasts the
// per-block event stream to them.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			// Write deadline prevents a blocked client from hanging the hub.
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				log.API.Warn().Err(err).Msg("websocket write error")
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe handles incoming websocket connections.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.API.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()

	log.API.Info().Int("clients", total).Msg("websocket client connected")

	// We only push down, but must keep reading to notice disconnects.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			h.mutex.Unlock()
			conn.Close()
			log.API.Info().Msg("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.API.Warn().Err(err).Msg("websocket error")
				}
				break
			}
		}
	}()
}

// Broadcast sends raw JSON to all connected clients.
func (h *Hub) Broadcast(data []byte) {
	h.broadcast <- data
}

// eventPayload is the wire form of one indexed event.
type eventPayload struct {
	Kind        index.EventKind `json:"kind"`
	BlockHeight uint32          `json:"block_height"`
	Inscription *string         `json:"inscription_id,omitempty"`
	Sequence    *uint32         `json:"sequence_number,omitempty"`
	OldLocation *string         `json:"old_location,omitempty"`
	NewLocation *string         `json:"new_location,omitempty"`
	RuneID      *string         `json:"rune_id,omitempty"`
	Txid        *string         `json:"txid,omitempty"`
	Amount      *string         `json:"amount,omitempty"`
	OutPoint    *string         `json:"outpoint,omitempty"`
}

// BroadcastEvents is wired as the index's event sink.
func BroadcastEvents(hub *Hub) func(height uint32, events []index.Event) {
	return func(height uint32, events []index.Event) {
		payloads := make([]eventPayload, 0, len(events))
		for i := range events {
			e := &events[i]
			p := eventPayload{Kind: e.Kind, BlockHeight: e.BlockHeight}
			if e.InscriptionID != nil {
				s := e.InscriptionID.String()
				p.Inscription = &s
				seq := e.SequenceNumber
				p.Sequence = &seq
			}
			if e.OldLocation != nil {
				s := e.OldLocation.String()
				p.OldLocation = &s
			}
			if e.NewLocation != nil {
				s := e.NewLocation.String()
				p.NewLocation = &s
			}
			if e.RuneID != nil {
				s := e.RuneID.String()
				p.RuneID = &s
			}
			if e.Txid != nil {
				s := e.Txid.String()
				p.Txid = &s
			}
			if e.Amount != nil {
				s := e.Amount.Dec()
				p.Amount = &s
			}
			if e.OutPoint != nil {
				s := e.OutPoint.String()
				p.OutPoint = &s
			}
			payloads = append(payloads, p)
		}
		message, err := json.Marshal(gin.H{
			"type":   "block_events",
			"height": height,
			"events": payloads,
		})
		if err != nil {
			log.API.Error().Err(err).Msg("marshal block events")
			return
		}
		hub.Broadcast(message)
	}
}
