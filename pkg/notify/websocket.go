package notify

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vjranagit/historian/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeHTTP streams notices to a websocket client as JSON arrays of
// values. Repeated "point" query parameters restrict the stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var points []types.PointRef
	for _, s := range r.URL.Query()["point"] {
		p, err := types.ParsePointRef(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		points = append(points, p)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.Subscribe(points...)
	defer sub.Close()
	h.logger.Info("Notice subscriber connected", "remote", r.RemoteAddr, "points", len(points))

	// The reader only watches for the close frame and pongs.
	go func() {
		defer sub.Close()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			h.logger.Info("Notice subscriber disconnected", "remote", r.RemoteAddr)
			return
		case values := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(values); err != nil {
				h.logger.Debug("Notice write failed", "error", err)
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
