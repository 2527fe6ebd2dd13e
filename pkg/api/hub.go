package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chunkdl/chunkdl/pkg/download"
)

// Event types
const (
	EventStart     = "download_start"
	EventPause     = "download_pause"
	EventResume    = "download_resume"
	EventProgress  = "download_progress"
	EventCompleted = "download_completed"
	EventFailed    = "download_failed"
	EventCancelled = "download_cancelled"
)

const (
	pingInterval = 54 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

type Event struct {
	Type       string `json:"type"`
	DownloadID int64  `json:"download_id"`
	Data       any    `json:"data,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

type ProgressData struct {
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Percent    float64 `json:"percent"`
}

type FailureData struct {
	Error string `json:"error"`
}

// Hub fans download events out to every connected websocket client. It is a
// download.Callback, so it can be registered for any download directly.
type Hub struct {
	clients    map[string]*wsClient
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	done       chan struct{}
	mu         sync.RWMutex
	logger     zerolog.Logger
}

var _ download.Callback = (*Hub)(nil)

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*wsClient),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It disconnects every client when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			h.logger.Debug().Str("client_id", c.id).Msg("Websocket client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug().Str("client_id", c.id).Msg("Websocket client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// slow consumer
					delete(h.clients, id)
					close(c.send)
					h.logger.Warn().Str("client_id", id).Msg("Dropping slow websocket client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Emit broadcasts an event. Events are dropped when the broadcast buffer is
// full rather than stalling the download that raised them.
func (h *Hub) Emit(eventType string, downloadID int64, data any) {
	message, err := json.Marshal(Event{
		Type:       eventType,
		DownloadID: downloadID,
		Data:       data,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("type", eventType).Msg("Failed to encode event")
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Debug().Str("type", eventType).Int64("download_id", downloadID).Msg("Event dropped")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) OnStart(id int64)  { h.Emit(EventStart, id, nil) }
func (h *Hub) OnPause(id int64)  { h.Emit(EventPause, id, nil) }
func (h *Hub) OnResume(id int64) { h.Emit(EventResume, id, nil) }

func (h *Hub) OnProgress(id int64, downloaded, total int64, percent float64) {
	h.Emit(EventProgress, id, ProgressData{Downloaded: downloaded, Total: total, Percent: percent})
}

func (h *Hub) OnCompleted(id int64) { h.Emit(EventCompleted, id, nil) }

func (h *Hub) OnFailed(id int64, msg string) {
	h.Emit(EventFailed, id, FailureData{Error: msg})
}

func (h *Hub) OnCancelled(id int64) { h.Emit(EventCancelled, id, nil) }

// serve registers conn and pumps events to it until either side goes away.
func (h *Hub) serve(conn *websocket.Conn) {
	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only exists to process pongs and notice the client leaving.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Str("client_id", c.id).Msg("Websocket closed unexpectedly")
			}
			return
		}
	}
}
