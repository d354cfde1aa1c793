package dashboard

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard stream is read-only telemetry; accept cross-origin
	// upgrades from any operator tooling host.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades GET /stats/stream into a websocket registered with hub.
func Handler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[DASHBOARD] upgrade failed: %v", err)
			return
		}
		hub.Register(conn)
	}
}
