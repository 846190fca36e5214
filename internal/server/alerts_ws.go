package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveAlertSocket upgrades the connection and periodically pushes triggered
// alerts to it. Each listener owns its own check ticker; disconnecting
// cancels only that ticker, never shared state or in-flight sync cycles.
func (s *Server) serveAlertSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("alert listener connected")
	go s.pushAlerts(conn)
}

func (s *Server) pushAlerts(conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.AlertCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("alert listener disconnected")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.AlertCheckInterval)
			triggered, err := s.evaluator.Evaluate(ctx)
			cancel()
			if err != nil {
				s.logger.Error().Err(err).Msg("alert evaluation failed")
				continue
			}
			if len(triggered) == 0 {
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(triggered); err != nil {
				s.logger.Warn().Err(err).Msg("alert push failed; dropping listener")
				return
			}
		}
	}
}
