package modulebridge

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client 模块进程一侧：拨号宿主 Server，并在连接上运行 ModuleBridge
type Client struct {
	bridge *ModuleBridge

	url    string
	id     string
	secret string
	origin string
	opts   Options
	log    *slog.Logger

	mu           sync.Mutex
	conn         *Conn
	reconnectCbs []func(*ModuleBridge)
	stop         chan struct{}
}

// Dial 连接到宿主 Server 并启动读取循环
// 若 id 为空，将自动随机生成；secret 必填
func Dial(ctx context.Context, urlStr string, id string, secret string, opts *Options) (*Client, error) {
	o := mergeOptions(opts)
	if id == "" {
		id = uuid.NewString()
	}

	// 附带 query 以便跨代理丢头场景
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("id", id)
	q.Set("secret", secret)
	u.RawQuery = q.Encode()

	c := &Client{
		url:    u.String(),
		id:     id,
		secret: secret,
		origin: originOf(u),
		opts:   o,
		log:    o.logger().With("component", "client"),
		stop:   make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	bridge, err := NewModuleBridge(conn, conn, &o)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.bridge = bridge
	c.conn = conn

	go conn.Run()
	if o.ReconnectEnabled {
		go c.reconnectWatcher(conn)
	}
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	header := http.Header{}
	header.Set(HeaderModuleID, c.id)
	header.Set(HeaderModuleSecret, c.secret)
	if c.opts.Origin != "" {
		header.Set("Origin", c.opts.Origin)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, err
	}
	return NewConn(c.id, ws, c.origin, c.log), nil
}

// ID 返回模块 id
func (c *Client) ID() string { return c.id }

// Bridge 返回模块侧 bridge，重连后仍是同一个实例
func (c *Client) Bridge() *ModuleBridge { return c.bridge }

// OnReconnect 重连成功后回调，通常用于重新发送握手
func (c *Client) OnReconnect(cb func(*ModuleBridge)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectCbs = append(c.reconnectCbs, cb)
}

func (c *Client) reconnectWatcher(current *Conn) {
	// 同时监听 stop 与当前连接关闭，防止 stop 已关闭仍阻塞在连接关闭等待
	select {
	case <-c.stop:
		return
	case <-current.Closed():
	}
	backoff := c.opts.ReconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stop:
			return
		default:
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			c.log.Debug("reconnect failed", "attempt", attempt, "backoff", backoff, "err", err)
			select {
			case <-c.stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if max := c.opts.ReconnectMaxBackoff; max > 0 && backoff > max {
				backoff = max
			}
			continue
		}

		// 切换连接；拨号期间 Close 已执行则丢弃新连接
		c.mu.Lock()
		select {
		case <-c.stop:
			c.mu.Unlock()
			_ = conn.Close()
			c.log.Debug("drop reconnect after close", "attempt", attempt)
			return
		default:
		}
		c.conn = conn
		cbs := append([]func(*ModuleBridge){}, c.reconnectCbs...)
		c.mu.Unlock()
		c.bridge.rebind(conn, conn)

		go conn.Run()
		c.log.Info("reconnected", "attempt", attempt)
		for _, cb := range cbs {
			cb(c.bridge)
		}
		// 继续监视新连接
		go c.reconnectWatcher(conn)
		return
	}
}

// Close 停止自动重连，销毁 bridge 并关闭当前连接
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	conn := c.conn
	c.mu.Unlock()

	c.bridge.Destroy()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
