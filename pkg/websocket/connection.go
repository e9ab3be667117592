package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Connection 表示一个WebSocket连接
type Connection struct {
	ID       string
	UserID   string
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
	LastPing time.Time
	IsAlive  bool
	mu       sync.Mutex
	closed   bool
	// 当前订阅的目标用户ID集合
	watching map[string]bool
	// 因队列溢出被丢弃的消息数（背压标记）
	dropped int64
}

// newUpgrader 根据配置创建WebSocket升级器
func newUpgrader(cfg *Config) websocket.Upgrader {
	up := websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			// 在生产环境中应该检查Origin
			return true
		},
		EnableCompression: cfg.EnableCompression,
	}
	return up
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	// 升级HTTP连接为WebSocket
	upgrader := newUpgrader(hub.config)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("WebSocket升级失败: %v", err)
		return
	}

	// 压缩设置
	if hub.config.EnableCompression {
		conn.EnableWriteCompression(true)
		if hub.config.CompressionLevel != 0 {
			_ = conn.SetCompressionLevel(hub.config.CompressionLevel)
		}
	}

	// 创建连接实例
	connection := &Connection{
		ID:       generateConnectionID(),
		UserID:   userID,
		Conn:     conn,
		Send:     make(chan []byte, hub.config.QueueCapacity),
		Hub:      hub,
		LastPing: time.Now(),
		IsAlive:  true,
		watching: make(map[string]bool),
	}

	// 注册连接到Hub
	hub.register <- connection

	// 启动读写协程
	go connection.writePump()
	go connection.readPump()
}

// generateConnectionID 生成唯一的连接ID
func generateConnectionID() string {
	return fmt.Sprintf("conn_%d", time.Now().UnixNano())
}

// NewConnection 构造未附着底层socket的连接，Send由调用方消费
func NewConnection(id, userID string, queueCapacity int) *Connection {
	return &Connection{
		ID:       id,
		UserID:   userID,
		Send:     make(chan []byte, queueCapacity),
		LastPing: time.Now(),
		IsAlive:  true,
		watching: make(map[string]bool),
	}
}

// DroppedCount 返回该连接因背压被丢弃的消息数
func (c *Connection) DroppedCount() int64 {
	return atomic.LoadInt64(&c.dropped)
}

// LastPing/IsAlive 在pump协程和心跳检查间共享，统一在 c.mu 下读写
func (c *Connection) lastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastPing
}

func (c *Connection) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.IsAlive
}

func (c *Connection) markDead() {
	c.mu.Lock()
	c.IsAlive = false
	c.mu.Unlock()
}

// closeSend 关闭发送通道，只执行一次
func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// readPump 读取消息的协程
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(int64(c.Hub.config.MaxMessageSize))
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket读取错误: %v", err)
			}
			break
		}

		// 处理接收到的消息
		c.handleMessage(message)
	}
}

// writePump 发送消息的协程
func (c *Connection) writePump() {
	interval := c.Hub.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(time.Duration(float64(interval) * 0.9))
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息。
// 格式错误只回送error消息，不断开会话。
func (c *Connection) handleMessage(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.replyError("malformed message")
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.handlePing()
	case MessageTypeSubscribe:
		c.handleSubscribe(msg)
	case MessageTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case MessageTypeLocation:
		c.handleLocation(msg)
	default:
		c.replyError("unknown message type: " + msg.Type)
	}
}

// inboundMessage 客户端上行消息
type inboundMessage struct {
	Type   string          `json:"type"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// handlePing 处理ping消息
func (c *Connection) handlePing() {
	c.mu.Lock()
	c.LastPing = time.Now()
	c.mu.Unlock()

	c.reply(&Message{Type: MessageTypePong, Timestamp: time.Now().Unix()})
}

// handleSubscribe 处理订阅请求
func (c *Connection) handleSubscribe(msg inboundMessage) {
	if msg.Target == "" {
		c.replyError("subscribe requires a target")
		return
	}

	if err := c.Hub.Subscribe(c, msg.Target); err != nil {
		logrus.Warnf("用户 %s 订阅 %s 被拒绝: %v", c.UserID, msg.Target, err)
		c.replyError("subscription denied")
		return
	}

	c.reply(&Message{
		Type:      MessageTypeSubscribed,
		Data:      msg.Target,
		Timestamp: time.Now().Unix(),
	})
}

// handleUnsubscribe 处理退订请求
func (c *Connection) handleUnsubscribe(msg inboundMessage) {
	if msg.Target == "" {
		c.replyError("unsubscribe requires a target")
		return
	}

	c.Hub.Unsubscribe(c, msg.Target)
	c.reply(&Message{
		Type:      MessageTypeUnsubscribed,
		Data:      msg.Target,
		Timestamp: time.Now().Unix(),
	})
}

// handleLocation 处理共享者上行的位置样本
func (c *Connection) handleLocation(msg inboundMessage) {
	if c.Hub.sink == nil {
		c.replyError("location ingest unavailable")
		return
	}
	if len(msg.Data) == 0 {
		c.replyError("location requires a data payload")
		return
	}

	if err := c.Hub.sink.IngestRaw(context.Background(), c.UserID, msg.Data); err != nil {
		c.replyError(err.Error())
	}
}

// reply 发送消息给当前连接，队列满时丢弃最旧的一条
func (c *Connection) reply(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.Hub.enqueue(c, data)
}

// replyError 回送错误消息，不关闭会话
func (c *Connection) replyError(reason string) {
	data, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return
	}
	c.Hub.enqueue(c, data)
}
