package modulebridge

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 封装单个 WebSocket 连接，同时充当 Peer 与 Inbox
type Conn struct {
	ID         string
	ws         *websocket.Conn
	origin     string
	subs       subscribers
	mu         sync.RWMutex
	closed     chan struct{}
	closedOnce sync.Once
	writeMu    sync.Mutex
	log        *slog.Logger

	lastActivity time.Time
}

// NewConn 创建连接封装；origin 为对端来源，入站消息以它标记，出站按它校验 targetOrigin
func NewConn(id string, ws *websocket.Conn, origin string, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		ID:           id,
		ws:           ws,
		origin:       origin,
		closed:       make(chan struct{}),
		log:          log.With("conn", id),
		lastActivity: time.Now(),
	}
}

// Origin 返回对端来源
func (c *Conn) Origin() string { return c.origin }

// PostMessage 实现 Peer；targetOrigin 与对端来源不匹配时静默丢弃
func (c *Conn) PostMessage(data []byte, targetOrigin string) error {
	if c == nil || c.ws == nil {
		return ErrConnClosed
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if targetOrigin != AnyOrigin && targetOrigin != c.origin {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Subscribe 实现 Inbox
func (c *Conn) Subscribe(handler func(Inbound)) func() {
	return c.subs.add(handler)
}

// Run 读取循环，按到达顺序把消息交给订阅者
func (c *Conn) Run() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Debug("read error", "err", err)
			}
			c.markClosed()
			return
		}
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
		c.subs.deliver(Inbound{Data: data, Origin: c.origin})
	}
}

// Close 主动关闭连接
func (c *Conn) Close() error {
	if c == nil || c.ws == nil {
		return nil
	}
	c.markClosed()
	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.ws.Close()
}

// Closed 返回关闭通知通道
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// LastActivity 返回最近一次读到消息的时间
func (c *Conn) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// markClosed 安全关闭 closed 通道
func (c *Conn) markClosed() {
	c.closedOnce.Do(func() {
		close(c.closed)
	})
}

// originOf 由 ws(s):// 地址推导对端 http(s) 来源
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return scheme + "://" + u.Host
}
