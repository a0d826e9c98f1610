package modulebridge

import (
	"context"
	"net/http"
)

// 模块拨号时携带的身份头
const (
	HeaderModuleID     = "X-Module-ID"
	HeaderModuleSecret = "X-Module-Secret"
)

// Authenticator 在升级 WebSocket 前识别模块，返回的 moduleID 即会话 id；
// 同一 moduleID 再次连接视为会话恢复
type Authenticator interface {
	Authenticate(r *http.Request) (context.Context, string, error)
}

// SecretIDAuth 所有模块共享一个 secret，模块 id 由模块自报
type SecretIDAuth struct {
	Secret string
	// 为空时使用 HeaderModuleID / HeaderModuleSecret
	IDHeader     string
	SecretHeader string
}

// Authenticate 先读请求头，缺失时读 ?id=&secret=（浏览器 WebSocket 无法设置自定义头）。
// secret 不符或缺少模块 id 时返回 ErrUnauthorized
func (a *SecretIDAuth) Authenticate(r *http.Request) (context.Context, string, error) {
	if a == nil || a.Secret == "" {
		return nil, "", ErrUnauthorized
	}
	idHeader, secretHeader := a.IDHeader, a.SecretHeader
	if idHeader == "" {
		idHeader = HeaderModuleID
	}
	if secretHeader == "" {
		secretHeader = HeaderModuleSecret
	}

	moduleID := r.Header.Get(idHeader)
	secret := r.Header.Get(secretHeader)
	q := r.URL.Query()
	if moduleID == "" {
		moduleID = q.Get("id")
	}
	if secret == "" {
		secret = q.Get("secret")
	}
	if moduleID == "" || secret != a.Secret {
		return nil, "", ErrUnauthorized
	}
	return r.Context(), moduleID, nil
}
