package server

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	livePollEvery = 2 * time.Second
	pingEvery     = 30 * time.Second
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth already gates the route; the dashboard origin is not
	// fixed, so origin checking adds nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLive streams the snapshot to a websocket client, pushing a fresh
// copy whenever last_update advances. Auth happens in requireAuth before
// the upgrade.
func (s *Server) handleLive(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade ip=%s: %v", c.ClientIP(), err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readPump(conn, closed)

	poll := time.NewTicker(livePollEvery)
	defer poll.Stop()
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	// Push the current snapshot immediately, then on every advance.
	var lastPushed int64 = -1
	push := func() bool {
		snap, err := s.mon.Latest()
		if err != nil {
			log.Printf("ws snapshot load: %v", err)
			return true
		}
		stamp := int64(0)
		if snap.LastUpdate != nil {
			stamp = *snap.LastUpdate
		}
		if stamp == lastPushed {
			return true
		}
		lastPushed = stamp
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(snap); err != nil {
			return false
		}
		return true
	}
	if !push() {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-poll.C:
			if !push() {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so close and pong handling work; the
// client has nothing meaningful to say.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws read: %v", err)
			}
			return
		}
	}
}
