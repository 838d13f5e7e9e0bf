package monitor

import (
	"encoding/json"
	"sync"

	"sharpctl/internal/logger"
	"sharpctl/internal/model"

	"github.com/gorilla/websocket"
)

// Hub fans analysis events out to connected websocket clients so a UI can
// follow a run live. Publishing never blocks the analysis: when the broadcast
// queue is full, events are dropped.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.RWMutex
	logger     *logger.Logger
}

type progressEvent struct {
	Type     string  `json:"type"`
	Fraction float64 `json:"fraction"`
	Status   string  `json:"status"`
}

type sampleEvent struct {
	Type      string  `json:"type"`
	Time      float64 `json:"time"`
	Sharpness float64 `json:"sharpness"`
}

type windowEvent struct {
	Type          string  `json:"type"`
	WindowStart   float64 `json:"window_start"`
	WindowEnd     float64 `json:"window_end"`
	CurrentTime   float64 `json:"current_time"`
	BestTime      float64 `json:"best_time"`
	BestSharpness float64 `json:"best_sharpness"`
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     log,
	}
}

// Run drives the hub's client and broadcast channels. Meant to run on its own
// goroutine for the process lifetime.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			h.logger.Info("Monitor client connected. Total: %d", h.ClientCount())

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mutex.Unlock()
			h.logger.Info("Monitor client disconnected. Total: %d", h.ClientCount())

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Error("Error sending monitor event: %v", err)
					delete(h.clients, client)
					client.Close()
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Register adds a client connection to the hub.
func (h *Hub) Register(client *websocket.Conn) {
	h.register <- client
}

// Unregister removes a client connection from the hub.
func (h *Hub) Unregister(client *websocket.Conn) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// PublishProgress broadcasts a pass progress report.
func (h *Hub) PublishProgress(fraction float64, status string) {
	h.publish(progressEvent{Type: "progress", Fraction: fraction, Status: status})
}

// PublishSample broadcasts one admitted sample.
func (h *Hub) PublishSample(s model.FrameSample) {
	h.publish(sampleEvent{Type: "sample", Time: s.Time, Sharpness: s.Sharpness})
}

// PublishWindow broadcasts live state of the best-frame search.
func (h *Hub) PublishWindow(windowStart, windowEnd, currentTime, bestTime, bestSharpness float64) {
	h.publish(windowEvent{
		Type:          "window",
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		CurrentTime:   currentTime,
		BestTime:      bestTime,
		BestSharpness: bestSharpness,
	})
}

func (h *Hub) publish(event interface{}) {
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Error encoding monitor event: %v", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		// Queue full: the analysis must never wait on slow viewers.
	}
}
