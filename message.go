package modulebridge

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion 当前协议版本，握手时与对端版本比较
const ProtocolVersion = "1.0.0"

// Kind 消息类型（封包判别字段）
type Kind string

const (
	// KindHandshakeReady Module → Host：模块已就绪
	KindHandshakeReady Kind = "handshake:ready"
	// KindModuleStart Host → Module：携带路由与上下文启动模块
	KindModuleStart Kind = "module:start"
	// KindModuleExit Host → Module：通知模块退出
	KindModuleExit Kind = "module:exit"
	// KindUIUpdate Module → Host：更新标题、面包屑、主题
	KindUIUpdate Kind = "ui:update"
	// KindError Module → Host：上报错误
	KindError Kind = "error"
	// KindContextUpdate Host → Module：推送上下文变更
	KindContextUpdate Kind = "context:update"
	// KindDataRequest 数据请求（双向）
	KindDataRequest Kind = "data:request"
	// KindDataResponse 数据响应（双向）
	KindDataResponse Kind = "data:response"
	// KindHeartbeat 心跳及其 ack
	KindHeartbeat Kind = "heartbeat"
)

// Kinds 返回全部消息类型
func Kinds() []Kind {
	return []Kind{
		KindHandshakeReady,
		KindModuleStart,
		KindModuleExit,
		KindUIUpdate,
		KindError,
		KindContextUpdate,
		KindDataRequest,
		KindDataResponse,
		KindHeartbeat,
	}
}

// Envelope 实际在传输层上传递的单元
// Kind 序列化为 "type"，与 JS SDK 的线上格式保持一致
type Envelope struct {
	Kind    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Payload 每种消息类型对应唯一的负载结构
type Payload interface {
	Kind() Kind
	payload()
}

// HandshakeReady 模块就绪通知
type HandshakeReady struct {
	Version      string   `json:"version"`
	Timestamp    int64    `json:"timestamp"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ModuleStart 启动模块
type ModuleStart struct {
	ModuleID  string         `json:"moduleId"`
	Route     string         `json:"route"`
	Context   map[string]any `json:"context"`
	Timestamp int64          `json:"timestamp"`
}

// ModuleExit 模块退出
type ModuleExit struct {
	Reason string `json:"reason,omitempty"`
}

// UIUpdate 宿主 UI 更新
type UIUpdate struct {
	Title      string   `json:"title"`
	Breadcrumb []string `json:"breadcrumb"`
	Theme      string   `json:"theme,omitempty"`
}

// ErrorReport 模块上报的错误
type ErrorReport struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ModuleContext 宿主推送的上下文
type ModuleContext struct {
	User        map[string]any `json:"user,omitempty"`
	Tenant      map[string]any `json:"tenant,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Theme       string         `json:"theme,omitempty"`
}

// DataRequest 数据请求，RequestID 在途期间唯一
type DataRequest struct {
	RequestID string `json:"requestId"`
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
}

// ResponseStatus 响应状态
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusError   ResponseStatus = "error"
)

// DataResponse 数据响应，RequestID 必须对应一个 DataRequest
type DataResponse struct {
	RequestID string          `json:"requestId"`
	Status    ResponseStatus  `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Heartbeat 心跳；Ack 为 true 表示回显
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
	Ack       bool  `json:"ack,omitempty"`
}

func (HandshakeReady) Kind() Kind { return KindHandshakeReady }
func (ModuleStart) Kind() Kind    { return KindModuleStart }
func (ModuleExit) Kind() Kind     { return KindModuleExit }
func (UIUpdate) Kind() Kind       { return KindUIUpdate }
func (ErrorReport) Kind() Kind    { return KindError }
func (ModuleContext) Kind() Kind  { return KindContextUpdate }
func (DataRequest) Kind() Kind    { return KindDataRequest }
func (DataResponse) Kind() Kind   { return KindDataResponse }
func (Heartbeat) Kind() Kind      { return KindHeartbeat }

func (HandshakeReady) payload() {}
func (ModuleStart) payload()    {}
func (ModuleExit) payload()     {}
func (UIUpdate) payload()       {}
func (ErrorReport) payload()    {}
func (ModuleContext) payload()  {}
func (DataRequest) payload()    {}
func (DataResponse) payload()   {}
func (Heartbeat) payload()      {}

// Encode 将负载封装为线上 JSON
func Encode(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: p.Kind(), Payload: raw})
}

// DecodeEnvelope 解析线上 JSON；缺少 type 字段视为结构不匹配
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Kind == "" {
		return Envelope{}, ErrMalformedEnvelope
	}
	return env, nil
}

// DecodePayload 按消息类型解码负载
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindHandshakeReady:
		return decodeAs[HandshakeReady](raw)
	case KindModuleStart:
		return decodeAs[ModuleStart](raw)
	case KindModuleExit:
		return decodeAs[ModuleExit](raw)
	case KindUIUpdate:
		return decodeAs[UIUpdate](raw)
	case KindError:
		return decodeAs[ErrorReport](raw)
	case KindContextUpdate:
		return decodeAs[ModuleContext](raw)
	case KindDataRequest:
		return decodeAs[DataRequest](raw)
	case KindDataResponse:
		return decodeAs[DataResponse](raw)
	case KindHeartbeat:
		return decodeAs[Heartbeat](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
