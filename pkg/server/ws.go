package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/spf13/cast"

	"github.com/ocifetch/ocifetch/pkg/engine/progress"
	"github.com/ocifetch/ocifetch/pkg/util/xio"
	"github.com/ocifetch/ocifetch/pkg/xlog"
)

const (
	// wsQueueSize bounds the per-client event queue. Progress events for a
	// client that cannot keep up are dropped; terminal events are not.
	wsQueueSize = 64

	wsWriteTimeout = 10 * time.Second
	wsControlLimit = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the control surface has no browser origin policy of its own
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsControl is the topic control message a client may send. A client
// starts on the global stream; the first subscribe narrows it to the named
// per-task topics.
type wsControl struct {
	Action string `json:"action"`
	TaskID any    `json:"taskId"`
}

// handleWebSocket upgrades the connection and streams bus events until
// either side goes away.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		xlog.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer xio.CloseAndSkipError(conn)

	sub := s.bus.Subscribe(wsQueueSize)
	defer sub.Close()

	go s.readControl(conn, sub)
	s.writeEvents(conn, sub)
}

func (s *Server) readControl(conn *websocket.Conn, sub *progress.Subscriber) {
	conn.SetReadLimit(wsControlLimit)
	for {
		msg := wsControl{}
		if err := conn.ReadJSON(&msg); err != nil {
			sub.Close()
			return
		}
		taskID := cast.ToString(msg.TaskID)
		switch msg.Action {
		case "subscribe":
			if taskID != "" {
				sub.Join(taskID)
			}
		case "unsubscribe":
			if taskID != "" {
				sub.Leave(taskID)
			}
		}
	}
}

func (s *Server) writeEvents(conn *websocket.Conn, sub *progress.Subscriber) {
	for {
		select {
		case ev := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-sub.Done():
			return
		}
	}
}
