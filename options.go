package modulebridge

import (
	"log/slog"
	"time"
)

// Options 控制来源限制、超时、心跳、自动重连与日志
type Options struct {
	// 来源限制，"*" 表示任意来源
	TargetOrigin string `env:"TARGET_ORIGIN"`
	// 本端来源，Client 拨号时作为 Origin 头发送
	Origin string `env:"ORIGIN"`
	// 本端协议版本
	Version string `env:"VERSION"`

	// 请求与启动超时
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT"`
	StartTimeout   time.Duration `env:"START_TIMEOUT"`

	// 心跳：开关、发送周期、失联阈值、检查周期（为 0 时取阈值的一半）
	HeartbeatEnabled       bool          `env:"HEARTBEAT_ENABLED"`
	HeartbeatInterval      time.Duration `env:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout       time.Duration `env:"HEARTBEAT_TIMEOUT"`
	HeartbeatCheckInterval time.Duration `env:"HEARTBEAT_CHECK_INTERVAL"`

	// 自动重连（Client）
	ReconnectEnabled    bool          `env:"RECONNECT_ENABLED"`
	ReconnectBackoff    time.Duration `env:"RECONNECT_BACKOFF"`
	ReconnectMaxBackoff time.Duration `env:"RECONNECT_MAX_BACKOFF"`

	// 日志
	LogFormat string `env:"LOG_FORMAT"`
	LogLevel  string `env:"LOG_LEVEL"`
	Logger    *slog.Logger

	// OTLP/HTTP 导出地址，为空时不导出 span
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		TargetOrigin:        "*",
		Version:             ProtocolVersion,
		RequestTimeout:      10 * time.Second,
		StartTimeout:        10 * time.Second,
		HeartbeatEnabled:    true,
		HeartbeatInterval:   5 * time.Second,
		HeartbeatTimeout:    15 * time.Second,
		ReconnectEnabled:    false,
		ReconnectBackoff:    1 * time.Second,
		ReconnectMaxBackoff: 30 * time.Second,
		LogFormat:           "text",
		LogLevel:            "info",
	}
}

// mergeOptions 以默认值为底，仅非零值覆盖
func mergeOptions(opts *Options) Options {
	o := DefaultOptions()
	if opts == nil {
		return o
	}
	if opts.TargetOrigin != "" {
		o.TargetOrigin = opts.TargetOrigin
	}
	if opts.Origin != "" {
		o.Origin = opts.Origin
	}
	if opts.Version != "" {
		o.Version = opts.Version
	}
	if opts.RequestTimeout != 0 {
		o.RequestTimeout = opts.RequestTimeout
	}
	if opts.StartTimeout != 0 {
		o.StartTimeout = opts.StartTimeout
	}
	o.HeartbeatEnabled = opts.HeartbeatEnabled
	if opts.HeartbeatInterval != 0 {
		o.HeartbeatInterval = opts.HeartbeatInterval
	}
	if opts.HeartbeatTimeout != 0 {
		o.HeartbeatTimeout = opts.HeartbeatTimeout
	}
	if opts.HeartbeatCheckInterval != 0 {
		o.HeartbeatCheckInterval = opts.HeartbeatCheckInterval
	}
	o.ReconnectEnabled = opts.ReconnectEnabled
	if opts.ReconnectBackoff != 0 {
		o.ReconnectBackoff = opts.ReconnectBackoff
	}
	if opts.ReconnectMaxBackoff != 0 {
		o.ReconnectMaxBackoff = opts.ReconnectMaxBackoff
	}
	if opts.LogFormat != "" {
		o.LogFormat = opts.LogFormat
	}
	if opts.LogLevel != "" {
		o.LogLevel = opts.LogLevel
	}
	o.Logger = opts.Logger
	if opts.OTelEndpoint != "" {
		o.OTelEndpoint = opts.OTelEndpoint
	}
	return o
}

// logger 返回配置的 logger；未配置时按 LogFormat/LogLevel 构造
func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	l, err := NewLogger(o.LogFormat, o.LogLevel, nil)
	if err != nil {
		l, _ = NewLogger("text", "info", nil)
	}
	return l
}
