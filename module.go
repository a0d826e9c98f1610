package modulebridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// ModuleBridge 模块侧 bridge：发送握手、接收启动（粘性）、回显心跳、上报 UI 与错误、数据请求
type ModuleBridge struct {
	*Bridge

	mu       sync.Mutex
	start    slot[ModuleStart]
	startCbs []func(ModuleStart)
	hbCbs    []func(Heartbeat)
}

// NewModuleBridge 创建模块侧 bridge，parent 为宿主的对端句柄
func NewModuleBridge(parent Peer, inbox Inbox, opts *Options) (*ModuleBridge, error) {
	b, err := newBridge(parent, inbox, mergeOptions(opts), "bridge.module")
	if err != nil {
		return nil, err
	}
	m := &ModuleBridge{Bridge: b}
	b.On(KindModuleStart, m.handleStart)
	b.On(KindHeartbeat, m.handleHeartbeat)
	return m, nil
}

// SendHandshake 通知宿主模块已就绪；Version/Timestamp 为空时自动填充
func (m *ModuleBridge) SendHandshake(p HandshakeReady) error {
	if p.Version == "" {
		p.Version = m.opts.Version
	}
	if p.Timestamp == 0 {
		p.Timestamp = nowMillis()
	}
	return m.Send(p)
}

func (m *ModuleBridge) handleStart(p Payload) {
	start, ok := p.(ModuleStart)
	if !ok {
		return
	}
	m.mu.Lock()
	m.start.Set(start)
	cbs := append([]func(ModuleStart){}, m.startCbs...)
	m.mu.Unlock()

	m.log.Debug("module start received", "module_id", start.ModuleID, "route", start.Route)
	for _, cb := range cbs {
		cb(start)
	}
}

// OnModuleStart 订阅启动消息；若此前已收到则立即以最近一次的负载同步回调
func (m *ModuleBridge) OnModuleStart(cb func(ModuleStart)) {
	m.mu.Lock()
	start, ok := m.start.Get()
	m.startCbs = append(m.startCbs, cb)
	m.mu.Unlock()
	if ok {
		cb(start)
	}
}

// Started 返回最近一次收到的启动负载
func (m *ModuleBridge) Started() (ModuleStart, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start.Get()
}

// OnHeartbeat 收到宿主心跳（非 ack）时回调 cb（可为 nil）；回显由 bridge 自动完成
func (m *ModuleBridge) OnHeartbeat(cb func(Heartbeat)) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hbCbs = append(m.hbCbs, cb)
}

// handleHeartbeat 非 ack 心跳回显一次 ack=true；ack 心跳不再回显
func (m *ModuleBridge) handleHeartbeat(p Payload) {
	hb, ok := p.(Heartbeat)
	if !ok || hb.Ack {
		return
	}
	m.mu.Lock()
	cbs := append([]func(Heartbeat){}, m.hbCbs...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(hb)
	}
	if err := m.Send(Heartbeat{Timestamp: nowMillis(), Ack: true}); err != nil {
		m.log.Debug("heartbeat ack send error", "err", err)
	}
}

// OnModuleExit 订阅退出通知
func (m *ModuleBridge) OnModuleExit(cb func(ModuleExit)) func() {
	return OnPayload(m.Bridge, cb)
}

// OnContextUpdate 订阅上下文推送
func (m *ModuleBridge) OnContextUpdate(cb func(ModuleContext)) func() {
	return OnPayload(m.Bridge, cb)
}

// OnDataRequest 订阅宿主发来的数据请求
func (m *ModuleBridge) OnDataRequest(cb func(DataRequest)) func() {
	return OnPayload(m.Bridge, cb)
}

// SendUIUpdate 更新宿主 UI
func (m *ModuleBridge) SendUIUpdate(p UIUpdate) error {
	return m.Send(p)
}

// SendError 向宿主上报错误
func (m *ModuleBridge) SendError(p ErrorReport) error {
	return m.Send(p)
}

// RequestData 向宿主请求数据；status=error 时返回 *ResponseError
func (m *ModuleBridge) RequestData(ctx context.Context, typ string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return m.Request(ctx, DataRequest{Type: typ, Payload: payload}, timeout)
}

// RespondData 响应宿主的数据请求
func (m *ModuleBridge) RespondData(requestID string, data any, status ResponseStatus) error {
	return m.Respond(requestID, data, status)
}
