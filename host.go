package modulebridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

// ReasonHeartbeatTimeout 心跳超时时发送的退出原因
const ReasonHeartbeatTimeout = "heartbeat-timeout"

// HostState 宿主侧握手/启动状态
type HostState int

const (
	StateAwaitingHandshake HostState = iota
	StateHandshakeReady
	StateStarted
)

func (s HostState) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateHandshakeReady:
		return "handshake-ready"
	case StateStarted:
		return "started"
	default:
		return "unknown"
	}
}

// HostBridge 宿主侧 bridge：握手等待与启动交接、心跳发送与存活检测、上下文推送
type HostBridge struct {
	*Bridge

	mu              sync.Mutex
	state           HostState
	handshake       slot[HandshakeReady]
	pendingStart    slot[ModuleStart]
	startTimer      *time.Timer
	startGen        uint64
	handshakeCbs    []func(HandshakeReady)
	startTimeoutCbs []func(ModuleStart)

	// heartbeat
	heartbeatTicker *time.Ticker
	stopHeartbeat   chan struct{}

	// watchdog
	watchTicker     *time.Ticker
	stopWatch       chan struct{}
	offHeartbeat    func()
	lastSeen        time.Time
	watchFired      bool
	unresponsiveCbs []func(time.Duration)
}

// NewHostBridge 创建宿主侧 bridge；peer 为空时立即失败
func NewHostBridge(peer Peer, inbox Inbox, opts *Options) (*HostBridge, error) {
	b, err := newBridge(peer, inbox, mergeOptions(opts), "bridge.host")
	if err != nil {
		return nil, err
	}
	h := &HostBridge{Bridge: b}
	b.On(KindHandshakeReady, h.handleHandshake)
	return h, nil
}

// State 返回当前状态
func (h *HostBridge) State() HostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *HostBridge) handleHandshake(p Payload) {
	hs, ok := p.(HandshakeReady)
	if !ok {
		return
	}
	if versionMismatch(h.opts.Version, hs.Version) {
		h.log.Warn("protocol version mismatch",
			"local", h.opts.Version,
			"remote", hs.Version,
			"major_compatible", sameMajor(h.opts.Version, hs.Version))
	}

	h.mu.Lock()
	h.handshake.Set(hs)
	if h.state == StateAwaitingHandshake {
		h.state = StateHandshakeReady
	}
	start, buffered := h.pendingStart.Take()
	if buffered {
		h.state = StateStarted
	}
	h.cancelStartTimerLocked()
	cbs := append([]func(HandshakeReady){}, h.handshakeCbs...)
	h.mu.Unlock()

	if buffered {
		if err := h.Send(start); err != nil {
			h.log.Error("send buffered module start", "module_id", start.ModuleID, "err", err)
		} else {
			h.log.Debug("module started after handshake", "module_id", start.ModuleID, "route", start.Route)
		}
	}
	for _, cb := range cbs {
		cb(hs)
	}
}

// OnHandshakeReady 订阅握手；若已完成握手则立即以缓存的负载同步回调
func (h *HostBridge) OnHandshakeReady(cb func(HandshakeReady)) {
	h.mu.Lock()
	hs, done := h.handshake.Get()
	h.handshakeCbs = append(h.handshakeCbs, cb)
	h.mu.Unlock()
	if done {
		cb(hs)
	}
}

// OnStartTimeout 启动超时（握手未在期限内到达）时回调，仅作通知
func (h *HostBridge) OnStartTimeout(cb func(ModuleStart)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startTimeoutCbs = append(h.startTimeoutCbs, cb)
}

// StartModule 握手完成后立即发送 module-start；否则缓存（后调用覆盖先调用）并等待握手。
// timeout<=0 时使用 Options.StartTimeout；超时只记录与回调，缓存保留，握手迟到时仍会发送。
func (h *HostBridge) StartModule(p ModuleStart, timeout time.Duration) error {
	h.mu.Lock()
	if h.state != StateAwaitingHandshake {
		h.mu.Unlock()
		if err := h.Send(p); err != nil {
			return err
		}
		h.mu.Lock()
		if h.state == StateHandshakeReady {
			h.state = StateStarted
		}
		h.mu.Unlock()
		return nil
	}
	h.pendingStart.Set(p)
	if timeout <= 0 {
		timeout = h.opts.StartTimeout
	}
	h.cancelStartTimerLocked()
	gen := h.startGen
	h.startTimer = time.AfterFunc(timeout, func() { h.startTimedOut(gen, timeout) })
	h.mu.Unlock()
	return nil
}

// SendModuleStart 不经握手状态直接发送 module-start
func (h *HostBridge) SendModuleStart(p ModuleStart) error {
	return h.Send(p)
}

func (h *HostBridge) startTimedOut(gen uint64, timeout time.Duration) {
	h.mu.Lock()
	if gen != h.startGen || h.state != StateAwaitingHandshake {
		h.mu.Unlock()
		return
	}
	h.startTimer = nil
	start, _ := h.pendingStart.Get()
	cbs := append([]func(ModuleStart){}, h.startTimeoutCbs...)
	h.mu.Unlock()

	h.log.Warn("handshake not received before start timeout", "module_id", start.ModuleID, "timeout", timeout)
	for _, cb := range cbs {
		cb(start)
	}
}

// cancelStartTimerLocked 需持有 h.mu
func (h *HostBridge) cancelStartTimerLocked() {
	h.startGen++
	if h.startTimer != nil {
		h.startTimer.Stop()
		h.startTimer = nil
	}
}

// Reset 回到等待握手状态，用于对端被替换（如 iframe 重新加载）而 bridge 保留的场景
func (h *HostBridge) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateAwaitingHandshake
	h.handshake.Clear()
	h.pendingStart.Clear()
	h.cancelStartTimerLocked()
	h.lastSeen = time.Now()
	h.watchFired = false
}

// StartHeartbeat 按 interval 周期发送心跳；重复调用先停止旧定时器
func (h *HostBridge) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		interval = h.opts.HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	h.mu.Lock()
	h.stopHeartbeatLocked()
	h.heartbeatTicker = ticker
	h.stopHeartbeat = stop
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := h.Send(Heartbeat{Timestamp: nowMillis()}); err != nil {
					h.log.Debug("heartbeat send error", "err", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳发送
func (h *HostBridge) StopHeartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopHeartbeatLocked()
}

// stopHeartbeatLocked 需持有 h.mu
func (h *HostBridge) stopHeartbeatLocked() {
	if h.heartbeatTicker != nil {
		h.heartbeatTicker.Stop()
		h.heartbeatTicker = nil
	}
	if h.stopHeartbeat != nil {
		close(h.stopHeartbeat)
		h.stopHeartbeat = nil
	}
}

// OnUnresponsive 存活检测判定对端失联时回调，参数为距上次心跳的时长
func (h *HostBridge) OnUnresponsive(cb func(silence time.Duration)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unresponsiveCbs = append(h.unresponsiveCbs, cb)
}

// ListenHeartbeat 记录每次入站心跳的时间；超过 timeout 未见心跳则发送一次
// module-exit（reason=heartbeat-timeout）。触发后锁存，直到再次调用 ListenHeartbeat 或 Reset。
func (h *HostBridge) ListenHeartbeat(timeout time.Duration) {
	if timeout <= 0 {
		timeout = h.opts.HeartbeatTimeout
	}
	check := h.opts.HeartbeatCheckInterval
	if check <= 0 {
		check = timeout / 2
	}
	if check <= 0 {
		check = time.Millisecond
	}
	ticker := time.NewTicker(check)
	stop := make(chan struct{})

	h.mu.Lock()
	h.stopWatchdogLocked()
	h.lastSeen = time.Now()
	h.watchFired = false
	h.watchTicker = ticker
	h.stopWatch = stop
	if h.offHeartbeat == nil {
		h.offHeartbeat = h.On(KindHeartbeat, func(Payload) {
			h.mu.Lock()
			h.lastSeen = time.Now()
			h.mu.Unlock()
		})
	}
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				h.checkLiveness(timeout)
			case <-stop:
				return
			}
		}
	}()
}

func (h *HostBridge) checkLiveness(timeout time.Duration) {
	h.mu.Lock()
	silence := time.Since(h.lastSeen)
	if h.watchFired || silence <= timeout {
		h.mu.Unlock()
		return
	}
	h.watchFired = true
	cbs := append([]func(time.Duration){}, h.unresponsiveCbs...)
	h.mu.Unlock()

	h.log.Warn("module unresponsive", "silence", silence, "timeout", timeout)
	if err := h.SendModuleExit(ReasonHeartbeatTimeout); err != nil {
		h.log.Debug("send heartbeat-timeout exit", "err", err)
	}
	for _, cb := range cbs {
		cb(silence)
	}
}

func (h *HostBridge) stopWatchdog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopWatchdogLocked()
}

// stopWatchdogLocked 需持有 h.mu
func (h *HostBridge) stopWatchdogLocked() {
	if h.watchTicker != nil {
		h.watchTicker.Stop()
		h.watchTicker = nil
	}
	if h.stopWatch != nil {
		close(h.stopWatch)
		h.stopWatch = nil
	}
}

// SendModuleExit 通知模块退出
func (h *HostBridge) SendModuleExit(reason string) error {
	return h.Send(ModuleExit{Reason: reason})
}

// SendContextUpdate 推送上下文
func (h *HostBridge) SendContextUpdate(p ModuleContext) error {
	return h.Send(p)
}

// OnUIUpdate 订阅模块的 UI 更新
func (h *HostBridge) OnUIUpdate(cb func(UIUpdate)) func() {
	return OnPayload(h.Bridge, cb)
}

// OnError 订阅模块上报的错误
func (h *HostBridge) OnError(cb func(ErrorReport)) func() {
	return OnPayload(h.Bridge, cb)
}

// OnDataRequest 订阅模块发来的数据请求
func (h *HostBridge) OnDataRequest(cb func(DataRequest)) func() {
	return OnPayload(h.Bridge, cb)
}

// RequestData 向模块请求数据
func (h *HostBridge) RequestData(ctx context.Context, typ string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return h.Request(ctx, DataRequest{Type: typ, Payload: payload}, timeout)
}

// RespondData 响应模块的数据请求
func (h *HostBridge) RespondData(requestID string, data any, status ResponseStatus) error {
	return h.Respond(requestID, data, status)
}

// Destroy 停止所有定时器并销毁底层 bridge
func (h *HostBridge) Destroy() {
	h.StopHeartbeat()
	h.stopWatchdog()
	h.mu.Lock()
	h.cancelStartTimerLocked()
	h.mu.Unlock()
	h.Bridge.Destroy()
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// versionMismatch 语义化版本不相等即视为不匹配；非法版本号按字符串比较
func versionMismatch(local, remote string) bool {
	lv, rv := canonicalVersion(local), canonicalVersion(remote)
	if !semver.IsValid(lv) || !semver.IsValid(rv) {
		return strings.TrimSpace(local) != strings.TrimSpace(remote)
	}
	return semver.Compare(lv, rv) != 0
}

func sameMajor(local, remote string) bool {
	lv, rv := canonicalVersion(local), canonicalVersion(remote)
	return semver.IsValid(lv) && semver.IsValid(rv) && semver.Major(lv) == semver.Major(rv)
}
