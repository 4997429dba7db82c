package api

import (
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	logBuffer    = 256
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
)

// checkOrigin allows same-host pages and the configured console origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.cfg.CORSOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// streamLogs sends the recent log backlog and then live lines, one text
// message per line.
func (s *Server) streamLogs() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.log.Debug("Log stream upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		backlog, lines, cancel := s.hub.Subscribe(logBuffer)
		defer cancel()

		closed := make(chan struct{})
		go readUntilClosed(conn, closed)

		for _, line := range backlog {
			if err := writeLine(conn, line); err != nil {
				return
			}
		}

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case <-c.Request.Context().Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				if err := writeLine(conn, line); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func writeLine(conn *websocket.Conn, line string) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// readUntilClosed drains client frames so pongs and close frames are
// processed, and signals when the client goes away.
func readUntilClosed(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
