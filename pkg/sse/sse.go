package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Client 一条SSE连接，按所属用户分组
type Client struct {
	id     string
	userID string
	ch     chan string
	done   chan struct{}
}

// Hub 告警实时推送。同一用户可以开多条连接，推送按用户扇出。
// 连接断开即移除，进程重启后客户端重连。
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	users    map[string]map[string]bool // userID -> clientID set
	interval time.Duration
	retryMs  int
	nextID   uint64
}

func NewHub(interval time.Duration) *Hub {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Hub{
		clients:  make(map[string]*Client),
		users:    make(map[string]map[string]bool),
		interval: interval,
		retryMs:  5000,
	}
}

func (h *Hub) addClient(userID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := fmt.Sprintf("sse_%d_%d", time.Now().UnixNano(), h.nextID)
	c := &Client{id: id, userID: userID, ch: make(chan string, 64), done: make(chan struct{})}
	h.clients[id] = c
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]bool)
	}
	h.users[userID][id] = true
	return c
}

func (h *Hub) removeClient(id string) {
	h.mu.Lock()
	if c, ok := h.clients[id]; ok {
		close(c.done)
		delete(h.users[c.userID], id)
		if len(h.users[c.userID]) == 0 {
			delete(h.users, c.userID)
		}
		delete(h.clients, id)
	}
	h.mu.Unlock()
}

// SendToUser 向用户的全部连接推送；慢连接丢弃，不阻塞调用方
func (h *Hub) SendToUser(userID, data string) {
	h.mu.RLock()
	for id := range h.users[userID] {
		if c := h.clients[id]; c != nil {
			select {
			case c.ch <- formatData(data):
			default:
			}
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) SendToUserJSON(userID string, v interface{}) {
	b, _ := json.Marshal(v)
	h.SendToUser(userID, string(b))
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func formatData(s string) string { return fmt.Sprintf("data: %s\n\n", s) }

// Serve 把请求升级为事件流并阻塞直到断开
func (h *Hub) Serve(c *gin.Context, userID string) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	fmt.Fprintf(c.Writer, "retry: %d\n\n", h.retryMs)

	client := h.addClient(userID)
	defer h.removeClient(client.id)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	ping := time.NewTicker(h.interval)
	defer ping.Stop()
	c.Stream(func(w io.Writer) bool { return true })

	for {
		select {
		case <-client.done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			fmt.Fprintf(c.Writer, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		case msg := <-client.ch:
			c.Writer.Write([]byte(msg))
			flusher.Flush()
		}
	}
}
