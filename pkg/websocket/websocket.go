package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "SafeTrace/pkg/errors"
)

// Authorizer 决定一个观察者当前是否有权接收目标的位置流。
// 每次投递前都会重新校验，授权撤销后消息立即停止。
type Authorizer interface {
	CanObserve(observerID, targetID string) bool
}

// LocationSink 接收连接上行的位置样本
type LocationSink interface {
	IngestRaw(ctx context.Context, userID string, payload json.RawMessage) error
}

// Recorder 投递指标上报（可选）
type Recorder interface {
	IncDelivered()
	IncDropped()
	IncDenied()
	IncSubscriptions()
	DecSubscriptions()
}

// Hub 管理所有WebSocket连接以及目标到订阅者的映射
type Hub struct {
	// 注册的连接
	connections map[string]*Connection
	// 用户ID到连接ID的映射
	userConnections map[string]map[string]bool
	// 目标用户ID到订阅者连接ID的映射
	targetSubscribers map[string]map[string]bool
	// 注册连接通道
	register chan *Connection
	// 注销连接通道
	unregister chan *Connection
	// 连接计数
	connectionCount int64
	// 配置
	config *Config
	// 互斥锁
	mu sync.RWMutex
	// 上下文
	ctx    context.Context
	cancel context.CancelFunc

	authorizer Authorizer
	sink       LocationSink
	recorder   Recorder
}

// NewHub 创建新的Hub实例
func NewHub(config *Config) *Hub {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	hub := &Hub{
		connections:       make(map[string]*Connection),
		userConnections:   make(map[string]map[string]bool),
		targetSubscribers: make(map[string]map[string]bool),
		register:          make(chan *Connection, 256),
		unregister:        make(chan *Connection, 256),
		config:            config,
		ctx:               ctx,
		cancel:            cancel,
	}

	go hub.run()
	return hub
}

// SetAuthorizer 设置授权检查器
func (h *Hub) SetAuthorizer(a Authorizer) { h.authorizer = a }

// SetSink 设置上行样本的接收方
func (h *Hub) SetSink(s LocationSink) { h.sink = s }

// SetRecorder 设置指标上报
func (h *Hub) SetRecorder(r Recorder) { h.recorder = r }

// Register 将连接交给Hub主循环登记
func (h *Hub) Register(conn *Connection) { h.register <- conn }

// Unregister 注销连接并清理其订阅
func (h *Hub) Unregister(conn *Connection) { h.unregister <- conn }

// run Hub主循环
func (h *Hub) run() {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case conn := <-h.register:
			h.registerConnection(conn)
		case conn := <-h.unregister:
			h.unregisterConnection(conn)
		case <-ticker.C:
			h.checkHeartbeats()
		}
	}
}

// registerConnection 注册连接
func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// 检查最大连接数
	if atomic.LoadInt64(&h.connectionCount) >= h.config.MaxConnections {
		if conn.Conn != nil {
			conn.Conn.Close()
		}
		logrus.Warnf("达到最大连接数限制: %d", h.config.MaxConnections)
		return
	}

	h.connections[conn.ID] = conn
	atomic.AddInt64(&h.connectionCount, 1)

	// 添加到用户连接映射
	if conn.UserID != "" {
		if h.userConnections[conn.UserID] == nil {
			h.userConnections[conn.UserID] = make(map[string]bool)
		}
		h.userConnections[conn.UserID][conn.ID] = true
	}

	logrus.Infof("WebSocket连接已注册: %s, 用户: %s, 当前连接数: %d",
		conn.ID, conn.UserID, atomic.LoadInt64(&h.connectionCount))
}

// unregisterConnection 注销连接并清理其全部订阅
func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.connections[conn.ID]; exists {
		delete(h.connections, conn.ID)
		atomic.AddInt64(&h.connectionCount, -1)

		// 从用户连接映射中移除
		if conn.UserID != "" && h.userConnections[conn.UserID] != nil {
			delete(h.userConnections[conn.UserID], conn.ID)
			if len(h.userConnections[conn.UserID]) == 0 {
				delete(h.userConnections, conn.UserID)
			}
		}

		// 断开时自动取消所有订阅
		for target := range conn.watching {
			h.removeSubscriberLocked(target, conn.ID)
			if h.recorder != nil {
				h.recorder.DecSubscriptions()
			}
		}

		conn.closeSend()
		logrus.Infof("WebSocket连接已注销: %s, 当前连接数: %d",
			conn.ID, atomic.LoadInt64(&h.connectionCount))
	}
}

// Subscribe 将连接登记为目标用户位置流的订阅者。
// 订阅自己无需授权；订阅他人必须持有当前有效的许可。
func (h *Hub) Subscribe(conn *Connection, targetID string) error {
	if targetID == "" {
		return apperrors.ErrNotFound
	}
	if conn.UserID != targetID {
		if h.authorizer == nil || !h.authorizer.CanObserve(conn.UserID, targetID) {
			return apperrors.ErrUnauthorized
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.connections[conn.ID]; !exists {
		return apperrors.ErrNotFound
	}
	if h.targetSubscribers[targetID] == nil {
		h.targetSubscribers[targetID] = make(map[string]bool)
	}
	if !h.targetSubscribers[targetID][conn.ID] {
		h.targetSubscribers[targetID][conn.ID] = true
		conn.mu.Lock()
		conn.watching[targetID] = true
		conn.mu.Unlock()
		if h.recorder != nil {
			h.recorder.IncSubscriptions()
		}
	}

	logrus.Debugf("用户 %s 订阅了 %s 的位置流", conn.UserID, targetID)
	return nil
}

// Unsubscribe 取消订阅，重复取消不报错
func (h *Hub) Unsubscribe(conn *Connection, targetID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.mu.Lock()
	subscribed := conn.watching[targetID]
	delete(conn.watching, targetID)
	conn.mu.Unlock()

	if subscribed {
		h.removeSubscriberLocked(targetID, conn.ID)
		if h.recorder != nil {
			h.recorder.DecSubscriptions()
		}
	}
}

func (h *Hub) removeSubscriberLocked(targetID, connID string) {
	if subs := h.targetSubscribers[targetID]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.targetSubscribers, targetID)
		}
	}
}

// PublishLocation 将目标的一次位置更新推送给其全部订阅者。
// payload 由调用方定型，这里原样序列化转发。
// 调用方保证同一目标的发布顺序，队列投递保持该顺序（单订阅者内FIFO）。
// 每条消息投递前重新校验授权，许可撤销后的消息不再送达。
func (h *Hub) PublishLocation(targetID string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("消息序列化失败: %v", err)
		return
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.targetSubscribers[targetID]))
	for connID := range h.targetSubscribers[targetID] {
		if conn, ok := h.connections[connID]; ok && conn.alive() {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		// 订阅之后许可可能已被撤销或过期，投递前逐条复核
		if conn.UserID != targetID {
			if h.authorizer == nil || !h.authorizer.CanObserve(conn.UserID, targetID) {
				if h.recorder != nil {
					h.recorder.IncDenied()
				}
				continue
			}
		}
		h.enqueue(conn, data)
	}
}

// SendToUser 推送消息给指定用户的全部连接（告警等带外通知）
func (h *Hub) SendToUser(userID string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("消息序列化失败: %v", err)
		return
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.userConnections[userID]))
	for connID := range h.userConnections[userID] {
		if conn, ok := h.connections[connID]; ok && conn.alive() {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.enqueue(conn, data)
	}
}

// enqueue 入队；队列满时丢弃最旧的一条为新消息腾位（位置流以最新值为准）
func (h *Hub) enqueue(conn *Connection, data []byte) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return
	}
	for {
		select {
		case conn.Send <- data:
			if h.recorder != nil {
				h.recorder.IncDelivered()
			}
			return
		default:
		}
		select {
		case <-conn.Send:
			atomic.AddInt64(&conn.dropped, 1)
			if h.recorder != nil {
				h.recorder.IncDropped()
			}
		default:
		}
	}
}

// checkHeartbeats 检查心跳。无底层socket的连接不参与心跳
func (h *Hub) checkHeartbeats() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	for _, conn := range h.connections {
		if conn.Conn == nil {
			continue
		}
		if now.Sub(conn.lastPing()) > h.config.ConnectionTimeout {
			logrus.Warnf("连接 %s 心跳超时，准备关闭", conn.ID)
			conn.markDead()
			conn.Conn.Close()
		}
	}
}

// GetConnectionCount 获取当前连接数
func (h *Hub) GetConnectionCount() int64 {
	return atomic.LoadInt64(&h.connectionCount)
}

// GetUserConnections 获取用户的连接数
func (h *Hub) GetUserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if connections, exists := h.userConnections[userID]; exists {
		return len(connections)
	}
	return 0
}

// GetSubscriberCount 获取目标用户当前的订阅者数量
func (h *Hub) GetSubscriberCount(targetID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if subs, exists := h.targetSubscribers[targetID]; exists {
		return len(subs)
	}
	return 0
}

// Close 关闭Hub
func (h *Hub) Close() {
	h.cancel()

	// 关闭所有连接
	h.mu.Lock()
	for _, conn := range h.connections {
		if conn.Conn != nil {
			conn.Conn.Close()
		}
		conn.closeSend()
	}
	h.mu.Unlock()

	logrus.Info("WebSocket Hub已关闭")
}
