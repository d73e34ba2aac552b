package activity

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Frame is the message written to websocket clients.
type Frame struct {
	Kind    string  `json:"kind"` // snapshot|entry
	Entries []Entry `json:"entries,omitempty"`
	Entry   *Entry  `json:"entry,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler streams the current history and then every new entry until the
// client disconnects or the request context ends.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("activity: websocket upgrade failed")
			return
		}
		defer conn.Close()

		entries, cancel := h.Subscribe(64)
		defer cancel()

		ctx, stop := context.WithCancel(r.Context())
		defer stop()

		// Reader: only to notice the peer going away.
		go func() {
			defer stop()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(Frame{Kind: "snapshot", Entries: h.Snapshot()}); err != nil {
			return
		}

		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(Frame{Kind: "entry", Entry: &e}); err != nil {
					log.Debug().Err(err).Msg("activity: websocket write failed")
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}
