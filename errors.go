package modulebridge

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized 认证失败
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionNotFound 未找到模块会话
	ErrSessionNotFound = errors.New("session not found")
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("connection closed")
	// ErrNoPeer 构造 bridge 时未提供对端
	ErrNoPeer = errors.New("bridge: no peer")
	// ErrNoInbox 构造 bridge 时未提供入站订阅
	ErrNoInbox = errors.New("bridge: no inbox")
	// ErrBridgeDestroyed bridge 已销毁
	ErrBridgeDestroyed = errors.New("bridge: destroyed")
	// ErrRequestTimeout 请求超时
	ErrRequestTimeout = errors.New("bridge: request timeout")
	// ErrMalformedEnvelope 入站消息缺少 type
	ErrMalformedEnvelope = errors.New("bridge: malformed envelope")
	// ErrUnknownKind 未知消息类型
	ErrUnknownKind = errors.New("bridge: unknown message kind")
)

// defaultResponseError 对端返回 error 状态但未携带消息时使用
const defaultResponseError = "request failed"

// ResponseError 对端以 status=error 响应
type ResponseError struct {
	RequestID string
	Message   string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("bridge: request %s: %s", e.RequestID, e.Message)
}
