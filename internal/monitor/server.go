package monitor

import (
	"net/http"
	"time"

	"sharpctl/internal/logger"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve starts the monitor websocket endpoint on addr. Clients connect to
// /ws and receive the hub's JSON event stream. Blocks like
// http.ListenAndServe; run it on its own goroutine.
func Serve(addr string, hub *Hub, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		connection, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("WebSocket upgrade error: %v", err)
			return
		}
		connection.SetReadLimit(512)
		connection.SetReadDeadline(time.Now().Add(60 * time.Second))
		connection.SetPongHandler(func(appData string) error {
			connection.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})

		hub.Register(connection)
		defer hub.Unregister(connection)

		// Viewers only listen; reads just detect disconnects.
		for {
			if _, _, err := connection.ReadMessage(); err != nil {
				break
			}
		}
	})

	return http.ListenAndServe(addr, mux)
}
