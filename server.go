package modulebridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BridgePath Server 暴露的 WebSocket 端点
const BridgePath = "/bridge"

// Session 一个模块的宿主侧会话；模块以同一 id 重连时复用 Bridge
type Session struct {
	ID     string
	Bridge *HostBridge

	mu   sync.RWMutex
	conn *Conn
}

// Conn 返回当前连接
func (s *Session) Conn() *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Server 以 WebSocket 承载多个模块，每个模块一个 HostBridge
type Server struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	auth     Authenticator
	opts     Options
	log      *slog.Logger

	// graceful shutdown
	httpSrv *http.Server

	onSession        func(*Session)
	onSessionResumed func(*Session)
	onSessionClosed  func(*Session)
}

// NewServer 创建 Server
func NewServer(auth Authenticator, opts *Options) *Server {
	o := mergeOptions(opts)
	return &Server{
		sessions: make(map[string]*Session),
		auth:     auth,
		opts:     o,
		log:      o.logger().With("component", "server"),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler 返回提供 /bridge 端点的 http.Handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(BridgePath, s.handleWS)
	return mux
}

// Serve 启动 HTTP 服务
func (s *Server) Serve(addr string) error {
	s.mu.Lock()
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpSrv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown 优雅关闭：停止 HTTP，销毁所有会话
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Bridge.SendModuleExit("host-shutdown")
		sess.Bridge.Destroy()
		_ = sess.Conn().Close()
	}
	return nil
}

// OnSession 注册新会话钩子；在读循环启动前同步调用，可安全注册处理器。
// 同一模块 id 重连时不会再次调用，见 OnSessionResumed
func (s *Server) OnSession(h func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSession = h
}

// OnSessionResumed 注册会话恢复钩子：模块以同一 id 重连、Bridge 已 Reset 后、读循环启动前调用。
// 已注册的处理器仍然有效，但缓存的启动负载已清空，需要时应在此重新 StartModule
func (s *Server) OnSessionResumed(h func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSessionResumed = h
}

// OnSessionClosed 注册会话结束钩子
func (s *Server) OnSessionClosed(h func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSessionClosed = h
}

// Session 查找会话
func (s *Server) Session(moduleID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[moduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, moduleID)
	}
	return sess, nil
}

// Sessions 按 id 排序返回所有会话
func (s *Server) Sessions() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartModule 向指定模块发起启动交接
func (s *Server) StartModule(moduleID string, p ModuleStart) error {
	sess, err := s.Session(moduleID)
	if err != nil {
		return err
	}
	if p.ModuleID == "" {
		p.ModuleID = moduleID
	}
	return sess.Bridge.StartModule(p, s.opts.StartTimeout)
}

// BroadcastContext 向所有模块推送上下文
func (s *Server) BroadcastContext(p ModuleContext) {
	for _, sess := range s.Sessions() {
		if err := sess.Bridge.SendContextUpdate(p); err != nil {
			s.log.Debug("broadcast context", "module_id", sess.ID, "err", err)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx, moduleID, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	r = r.WithContext(ctx)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("upgrade error", "err", err)
		return
	}
	conn := NewConn(moduleID, ws, r.Header.Get("Origin"), s.log)

	s.mu.Lock()
	sess, resumed := s.sessions[moduleID]
	if resumed {
		sess.mu.Lock()
		old := sess.conn
		sess.conn = conn
		sess.mu.Unlock()
		onResumed := s.onSessionResumed
		s.mu.Unlock()

		// 对端被替换：重新绑定并回到等待握手
		sess.Bridge.rebind(conn, conn)
		sess.Bridge.Reset()
		_ = old.Close()
		if onResumed != nil {
			onResumed(sess)
		}
		s.log.Info("module reconnected", "module_id", moduleID)
	} else {
		bridge, err := NewHostBridge(conn, conn, &s.opts)
		if err != nil {
			s.mu.Unlock()
			s.log.Error("create host bridge", "module_id", moduleID, "err", err)
			_ = conn.Close()
			return
		}
		sess = &Session{ID: moduleID, Bridge: bridge, conn: conn}
		s.sessions[moduleID] = sess
		onSession := s.onSession
		s.mu.Unlock()

		if s.opts.HeartbeatEnabled && s.opts.HeartbeatInterval > 0 {
			bridge.StartHeartbeat(s.opts.HeartbeatInterval)
			bridge.ListenHeartbeat(s.opts.HeartbeatTimeout)
			// 存活检测判定失联后关闭连接，会话随之清理
			bridge.OnUnresponsive(func(time.Duration) {
				_ = sess.Conn().Close()
			})
		}
		if onSession != nil {
			onSession(sess)
		}
		s.log.Info("module connected", "module_id", moduleID)
	}

	go s.watch(sess, conn)
	go conn.Run()
}

// watch 连接关闭后移除会话（若该连接仍是会话的当前连接）
func (s *Server) watch(sess *Session, conn *Conn) {
	<-conn.Closed()

	s.mu.Lock()
	current, ok := s.sessions[sess.ID]
	if !ok || current != sess || sess.Conn() != conn {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.ID)
	onClosed := s.onSessionClosed
	s.mu.Unlock()

	sess.Bridge.Destroy()
	s.log.Info("module disconnected", "module_id", sess.ID)
	if onClosed != nil {
		onClosed(sess)
	}
}
