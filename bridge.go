package modulebridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/iamxvbaba/modulebridge"

// Handler 消息处理器，只接收负载，不含封包
type Handler func(Payload)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Bridge 收发、按类型分发与请求/响应关联的核心，HostBridge 与 ModuleBridge 均基于它
type Bridge struct {
	origin string
	opts   Options
	log    *slog.Logger

	mu        sync.Mutex
	peer      Peer
	cancelSub func()
	handlers  map[Kind][]handlerEntry
	nextID    uint64
	pending   map[string]chan DataResponse
	destroyed bool

	destroyOnce sync.Once
}

// NewBridge 创建绑定到 peer 的 Bridge，并在 inbox 上注册唯一的入站订阅
func NewBridge(peer Peer, inbox Inbox, opts *Options) (*Bridge, error) {
	return newBridge(peer, inbox, mergeOptions(opts), "bridge")
}

func newBridge(peer Peer, inbox Inbox, o Options, component string) (*Bridge, error) {
	if peer == nil {
		return nil, ErrNoPeer
	}
	if inbox == nil {
		return nil, ErrNoInbox
	}
	b := &Bridge{
		origin:   o.TargetOrigin,
		opts:     o,
		log:      o.logger().With("component", component),
		peer:     peer,
		handlers: make(map[Kind][]handlerEntry),
		pending:  make(map[string]chan DataResponse),
	}
	b.cancelSub = inbox.Subscribe(b.dispatch)
	return b, nil
}

// Origin 返回来源限制
func (b *Bridge) Origin() string { return b.origin }

// Logger 返回带 component 属性的 logger
func (b *Bridge) Logger() *slog.Logger { return b.log }

// Send 封装负载并投递给对端，不等待确认
func (b *Bridge) Send(p Payload) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrBridgeDestroyed
	}
	peer := b.peer
	b.mu.Unlock()

	if err := peer.PostMessage(data, b.origin); err != nil {
		return fmt.Errorf("send %s: %w", p.Kind(), err)
	}
	return nil
}

// On 为指定类型追加处理器，按注册顺序调用；返回的函数用于注销
func (b *Bridge) On(kind Kind, h Handler) (off func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], handlerEntry{id: id, fn: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.off(kind, id) })
	}
}

func (b *Bridge) off(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[kind]
	for i, e := range list {
		if e.id == id {
			b.handlers[kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// OnPayload 注册强类型处理器，类型由负载 T 决定
func OnPayload[T Payload](b *Bridge, fn func(T)) (off func()) {
	var zero T
	return b.On(zero.Kind(), func(p Payload) {
		if v, ok := p.(T); ok {
			fn(v)
		}
	})
}

// Request 发送数据请求并等待匹配的响应。
// RequestID 为空时自动生成；timeout<=0 时使用 Options.RequestTimeout。
// 响应、超时、ctx 取消三者先到者生效，并移除在途记录，之后到达的响应被忽略。
func (b *Bridge) Request(ctx context.Context, req DataRequest, timeout time.Duration) (json.RawMessage, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if timeout <= 0 {
		timeout = b.opts.RequestTimeout
	}
	id := req.RequestID

	ctx, span := otel.Tracer(tracerName).Start(ctx, "modulebridge.request", trace.WithAttributes(
		attribute.String("modulebridge.request_id", id),
		attribute.String("modulebridge.request_type", req.Type),
	))
	defer span.End()

	data, err := b.await(ctx, req, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return data, nil
}

func (b *Bridge) await(ctx context.Context, req DataRequest, timeout time.Duration) (json.RawMessage, error) {
	id := req.RequestID
	ch := make(chan DataResponse, 1)

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, ErrBridgeDestroyed
	}
	if _, dup := b.pending[id]; dup {
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge: duplicate request id %s", id)
	}
	b.pending[id] = ch
	b.mu.Unlock()

	if err := b.Send(req); err != nil {
		b.takePending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		return responseResult(id, resp, ok)
	case <-timer.C:
		if b.takePending(id) != nil {
			b.log.Debug("request timed out", "request_id", id, "type", req.Type, "timeout", timeout)
			return nil, fmt.Errorf("%w: %s (%s) after %s", ErrRequestTimeout, id, req.Type, timeout)
		}
	case <-ctx.Done():
		if b.takePending(id) != nil {
			return nil, ctx.Err()
		}
	}
	// 响应已在同一时刻胜出
	resp, ok := <-ch
	return responseResult(id, resp, ok)
}

func responseResult(id string, resp DataResponse, ok bool) (json.RawMessage, error) {
	if !ok {
		return nil, ErrBridgeDestroyed
	}
	switch resp.Status {
	case StatusSuccess:
		return resp.Payload, nil
	case StatusError:
		msg := resp.Error
		if msg == "" {
			msg = defaultResponseError
		}
		return nil, &ResponseError{RequestID: id, Message: msg}
	default:
		return nil, &ResponseError{RequestID: id, Message: fmt.Sprintf("unknown response status %q", resp.Status)}
	}
}

// Respond 对收到的数据请求发送响应。
// data 为 error 时写入 Error 字段，其余值序列化为 Payload；status 为空视为 success。
func (b *Bridge) Respond(requestID string, data any, status ResponseStatus) error {
	if status == "" {
		status = StatusSuccess
	}
	resp := DataResponse{RequestID: requestID, Status: status}
	switch v := data.(type) {
	case nil:
	case error:
		resp.Error = v.Error()
	case json.RawMessage:
		resp.Payload = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal response %s: %w", requestID, err)
		}
		resp.Payload = raw
	}
	return b.Send(resp)
}

// RequestHandlerFunc 处理一个数据请求，返回值作为响应负载
type RequestHandlerFunc func(ctx context.Context, req DataRequest) (any, error)

// HandleRequests 注册数据请求服务：每个请求在独立 goroutine 中处理并自动响应，
// 返回 error 时以 status=error 响应
func (b *Bridge) HandleRequests(fn RequestHandlerFunc) (off func()) {
	return OnPayload(b, func(req DataRequest) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), b.opts.RequestTimeout)
			defer cancel()
			data, err := fn(ctx, req)
			if err != nil {
				err = b.Respond(req.RequestID, err, StatusError)
			} else {
				err = b.Respond(req.RequestID, data, StatusSuccess)
			}
			if err != nil {
				b.log.Debug("respond data request", "request_id", req.RequestID, "err", err)
			}
		}()
	})
}

// takePending 移除并返回在途记录；只有取到记录的一方可以完成该请求
func (b *Bridge) takePending(id string) chan DataResponse {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	return ch
}

// pendingCount 在途请求数
func (b *Bridge) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// dispatch 每条入站消息调用一次
func (b *Bridge) dispatch(in Inbound) {
	env, err := DecodeEnvelope(in.Data)
	if err != nil {
		return
	}
	if b.origin != AnyOrigin && in.Origin != b.origin {
		return
	}
	p, err := DecodePayload(env.Kind, env.Payload)
	if err != nil {
		b.log.Debug("drop inbound message", "type", env.Kind, "err", err)
		return
	}

	if resp, ok := p.(DataResponse); ok {
		if ch := b.takePending(resp.RequestID); ch != nil {
			ch <- resp
			return
		}
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	list := make([]handlerEntry, len(b.handlers[env.Kind]))
	copy(list, b.handlers[env.Kind])
	b.mu.Unlock()

	for _, e := range list {
		e.fn(p)
	}
}

// rebind 替换对端与入站订阅（如重连），处理器与在途请求保留
func (b *Bridge) rebind(peer Peer, inbox Inbox) {
	cancel := inbox.Subscribe(b.dispatch)

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		cancel()
		return
	}
	old := b.cancelSub
	b.peer = peer
	b.cancelSub = cancel
	b.mu.Unlock()

	if old != nil {
		old()
	}
}

// Destroy 注销入站订阅，清空处理器；在途请求以 ErrBridgeDestroyed 失败
func (b *Bridge) Destroy() {
	b.destroyOnce.Do(func() {
		b.mu.Lock()
		b.destroyed = true
		cancel := b.cancelSub
		b.cancelSub = nil
		pending := b.pending
		b.pending = make(map[string]chan DataResponse)
		b.handlers = make(map[Kind][]handlerEntry)
		b.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		for _, ch := range pending {
			close(ch)
		}
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
