package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"exam_session_engine/internal/engine"
	"exam_session_engine/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamMessage websocket 上下行消息
type StreamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

const (
	StreamSnapshot  = "snapshot"
	StreamHeartbeat = "heartbeat"
	StreamError     = "error"
)

// snapshotClient 一个订阅会话快照的 websocket 连接
type snapshotClient struct {
	conn      *websocket.Conn
	snaps     <-chan engine.SessionSnapshot
	notices   chan StreamMessage
	heartbeat func(ctx context.Context) error
	attemptID string
}

// ServeSnapshots 升级连接并持续推送会话快照，直到会话关闭或客户端断开。
// 客户端发送 {"type":"heartbeat"} 时调用 heartbeat 续期客户端锁
func ServeSnapshots(w http.ResponseWriter, r *http.Request, sess *engine.Session, buffer int, heartbeat func(ctx context.Context) error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	snaps, cancel := sess.Subscribe(buffer)
	c := &snapshotClient{
		conn:      conn,
		snaps:     snaps,
		notices:   make(chan StreamMessage, 4),
		heartbeat: heartbeat,
		attemptID: sess.Info().AttemptID,
	}
	go c.writePump(cancel)
	c.readPump(cancel)
}

func (c *snapshotClient) readPump(cancel func()) {
	defer func() {
		cancel()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Warn("snapshot stream closed unexpectedly", zap.Error(err), zap.String("attemptId", c.attemptID))
			}
			return
		}
		var msg StreamMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Type != StreamHeartbeat || c.heartbeat == nil {
			continue
		}
		ctx, done := context.WithTimeout(context.Background(), writeWait)
		err = c.heartbeat(ctx)
		done()
		if err != nil {
			select {
			case c.notices <- StreamMessage{Type: StreamError, Data: err.Error()}:
			default:
			}
		}
	}
}

func (c *snapshotClient) writePump(cancel func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.conn.Close()
	}()
	for {
		select {
		case snap, ok := <-c.snaps:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := c.conn.WriteJSON(StreamMessage{Type: StreamSnapshot, Data: snap}); err != nil {
				return
			}
			if snap.Closed {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
		case msg := <-c.notices:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
