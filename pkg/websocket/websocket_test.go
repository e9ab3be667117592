package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "SafeTrace/pkg/errors"
)

// allowFunc 测试用授权函数
type allowFunc func(observerID, targetID string) bool

func (f allowFunc) CanObserve(observerID, targetID string) bool {
	return f(observerID, targetID)
}

// switchAuthorizer 可随时撤销授权的测试桩
type switchAuthorizer struct {
	mu      sync.Mutex
	allowed bool
}

func (s *switchAuthorizer) CanObserve(observerID, targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed
}

func (s *switchAuthorizer) set(allowed bool) {
	s.mu.Lock()
	s.allowed = allowed
	s.mu.Unlock()
}

func newTestConnection(id, userID string, queue int) *Connection {
	return NewConnection(id, userID, queue)
}

func TestNewHub(t *testing.T) {
	hub := NewHub(nil)
	assert.NotNil(t, hub)
	assert.Equal(t, int64(100000), hub.config.MaxConnections)
	assert.Equal(t, 30*time.Second, hub.config.HeartbeatInterval)
	assert.Equal(t, 32, hub.config.QueueCapacity)

	hub.Close()
}

func TestHubConnectionManagement(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	// 测试连接注册
	conn := newTestConnection("test_conn_1", "test_user_1", 8)

	hub.register <- conn
	time.Sleep(100 * time.Millisecond) // 等待处理

	assert.Equal(t, int64(1), hub.GetConnectionCount())
	assert.Equal(t, 1, hub.GetUserConnections("test_user_1"))

	// 测试连接注销
	hub.unregister <- conn
	time.Sleep(100 * time.Millisecond) // 等待处理

	assert.Equal(t, int64(0), hub.GetConnectionCount())
	assert.Equal(t, 0, hub.GetUserConnections("test_user_1"))
}

func TestCloseWithDetachedConnections(t *testing.T) {
	hub := NewHub(nil)

	// 未附着底层socket的连接（Send由调用方消费）也要能安全关闭
	conn := newTestConnection("test_conn_1", "test_user_1", 8)
	hub.register <- conn
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int64(1), hub.GetConnectionCount())

	hub.checkHeartbeats()
	hub.Close()

	// Close后发送通道已关闭
	_, open := <-conn.Send
	assert.False(t, open)
}

func TestSubscribeRequiresAuthorization(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	hub.SetAuthorizer(allowFunc(func(observerID, targetID string) bool {
		return observerID == "watcher" && targetID == "owner"
	}))

	watcher := newTestConnection("conn_watcher", "watcher", 8)
	stranger := newTestConnection("conn_stranger", "stranger", 8)
	hub.register <- watcher
	hub.register <- stranger
	time.Sleep(100 * time.Millisecond)

	// 有许可的订阅成功
	err := hub.Subscribe(watcher, "owner")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.GetSubscriberCount("owner"))

	// 无许可的订阅被拒绝
	err = hub.Subscribe(stranger, "owner")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))
	assert.Equal(t, 1, hub.GetSubscriberCount("owner"))

	// 订阅自己无需授权
	err = hub.Subscribe(stranger, "stranger")
	assert.NoError(t, err)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	hub.SetAuthorizer(allowFunc(func(observerID, targetID string) bool { return true }))

	conn := newTestConnection("test_conn_1", "watcher", 8)
	hub.register <- conn
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, hub.Subscribe(conn, "owner"))
	assert.Equal(t, 1, hub.GetSubscriberCount("owner"))

	hub.Unsubscribe(conn, "owner")
	assert.Equal(t, 0, hub.GetSubscriberCount("owner"))

	// 重复取消不报错
	hub.Unsubscribe(conn, "owner")
	assert.Equal(t, 0, hub.GetSubscriberCount("owner"))
}

func TestDisconnectCleansSubscriptions(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	hub.SetAuthorizer(allowFunc(func(observerID, targetID string) bool { return true }))

	conn := newTestConnection("test_conn_1", "watcher", 8)
	hub.register <- conn
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, hub.Subscribe(conn, "owner_a"))
	require.NoError(t, hub.Subscribe(conn, "owner_b"))
	assert.Equal(t, 1, hub.GetSubscriberCount("owner_a"))

	hub.unregister <- conn
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, hub.GetSubscriberCount("owner_a"))
	assert.Equal(t, 0, hub.GetSubscriberCount("owner_b"))
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	hub.SetAuthorizer(allowFunc(func(observerID, targetID string) bool { return true }))

	conn := newTestConnection("test_conn_1", "watcher", 8)
	hub.register <- conn
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, hub.Subscribe(conn, "owner"))

	hub.PublishLocation("owner", map[string]interface{}{
		"type":      MessageTypeLocation,
		"latitude":  39.9,
		"longitude": 116.4,
		"user_id":   "owner",
	})

	require.Equal(t, 1, len(conn.Send))
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(<-conn.Send, &msg))
	assert.Equal(t, MessageTypeLocation, msg["type"])
	assert.Equal(t, "owner", msg["user_id"])
	assert.Equal(t, 39.9, msg["latitude"])
}

func TestPublishRevalidatesBeforeDelivery(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	auth := &switchAuthorizer{allowed: true}
	hub.SetAuthorizer(auth)

	conn := newTestConnection("test_conn_1", "watcher", 8)
	hub.register <- conn
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, hub.Subscribe(conn, "owner"))

	hub.PublishLocation("owner", map[string]interface{}{"seq": 1})
	require.Equal(t, 1, len(conn.Send))
	<-conn.Send

	// 撤销授权后，订阅关系仍在，但消息不再送达
	auth.set(false)
	hub.PublishLocation("owner", map[string]interface{}{"seq": 2})
	assert.Equal(t, 0, len(conn.Send))
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	hub := NewHub(&Config{
		MaxConnections:    100,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 60 * time.Second,
		QueueCapacity:     32,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		MaxMessageSize:    4096,
	})
	defer hub.Close()

	hub.SetAuthorizer(allowFunc(func(observerID, targetID string) bool { return true }))

	// 不消费的慢订阅者
	conn := newTestConnection("test_conn_1", "watcher", 32)
	hub.register <- conn
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, hub.Subscribe(conn, "owner"))

	for i := 0; i < 40; i++ {
		hub.PublishLocation("owner", map[string]interface{}{"seq": i})
	}

	// 队列里最多保留容量条，最早的8条被丢弃
	assert.Equal(t, 32, len(conn.Send))
	assert.Equal(t, int64(8), conn.DroppedCount())

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(<-conn.Send, &msg))
	assert.Equal(t, float64(8), msg["seq"])
}

func TestMalformedInboundMessage(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	conn := newTestConnection("test_conn_1", "test_user_1", 8)
	conn.Hub = hub
	hub.register <- conn
	time.Sleep(100 * time.Millisecond)

	// 非法JSON只回送error消息，不断开会话
	conn.handleMessage([]byte("{not json"))

	require.Equal(t, 1, len(conn.Send))
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(<-conn.Send, &msg))
	assert.Contains(t, msg, "error")

	// 未知类型同样只回送error
	conn.handleMessage([]byte(`{"type":"teleport"}`))
	require.Equal(t, 1, len(conn.Send))
	require.NoError(t, json.Unmarshal(<-conn.Send, &msg))
	assert.Contains(t, msg, "error")
}

func TestWebSocketHandler(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	handler := NewHandler(hub)

	// 测试获取统计信息
	req := httptest.NewRequest("GET", "/ws/stats", nil)
	w := httptest.NewRecorder()

	// 创建Gin上下文
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	handler.GetStats(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Contains(t, response, "total_connections")
	assert.Contains(t, response, "queue_capacity")
}

func TestConfigValidation(t *testing.T) {
	// 测试有效配置
	validConfig := &Config{
		MaxConnections:    1000,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 60 * time.Second,
		QueueCapacity:     32,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		MaxMessageSize:    4096,
		EnableCompression: true,
		CompressionLevel:  -2,
	}

	err := ValidateConfig(validConfig)
	assert.NoError(t, err)

	// 测试无效配置
	invalidConfig := &Config{
		MaxConnections:    0,
		HeartbeatInterval: 60 * time.Second,
		ConnectionTimeout: 30 * time.Second,
		QueueCapacity:     0,
	}

	err = ValidateConfig(invalidConfig)
	assert.Error(t, err)
}
