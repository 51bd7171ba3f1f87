package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"xor-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams bus envelopes matching the requested topic patterns,
// e.g. /ws?topics=order.*,position.*. Defaults to everything.
func (s *Server) websocket(c *gin.Context) {
	patterns := []string{"*"}
	if raw := c.Query("topics"); raw != "" {
		patterns = strings.Split(raw, ",")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Bus handlers run on bus goroutines; funnel through one channel so
	// only this goroutine writes to the connection.
	out := make(chan events.Envelope, 256)
	var unsubs []func()
	for _, pattern := range patterns {
		pattern := strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		unsubs = append(unsubs, s.Engine.Bus.Subscribe(pattern, func(env events.Envelope) {
			select {
			case out <- env:
			default: // slow client, drop rather than stall the bus
			}
		}))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case env := <-out:
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}
