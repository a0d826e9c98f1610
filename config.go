package modulebridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix 环境变量前缀，如 MODULEBRIDGE_REQUEST_TIMEOUT=5s
const EnvPrefix = "MODULEBRIDGE_"

type fileConfig struct {
	TargetOrigin           string `toml:"target_origin"`
	Origin                 string `toml:"origin"`
	Version                string `toml:"version"`
	RequestTimeout         string `toml:"request_timeout"`
	StartTimeout           string `toml:"start_timeout"`
	HeartbeatInterval      string `toml:"heartbeat_interval"`
	HeartbeatTimeout       string `toml:"heartbeat_timeout"`
	HeartbeatCheckInterval string `toml:"heartbeat_check_interval"`
	HeartbeatEnabled       bool   `toml:"heartbeat_enabled"`
	ReconnectEnabled       bool   `toml:"reconnect_enabled"`
	ReconnectBackoff       string `toml:"reconnect_backoff"`
	ReconnectMaxBackoff    string `toml:"reconnect_max_backoff"`
	LogFormat              string `toml:"log_format"`
	LogLevel               string `toml:"log_level"`
	OTelEndpoint           string `toml:"otel_endpoint"`
}

// LoadOptions 依次应用默认值、TOML 文件（path 为空时跳过）与环境变量
func LoadOptions(path string) (Options, error) {
	o := DefaultOptions()
	if path != "" {
		if err := applyFile(path, &o); err != nil {
			return Options{}, err
		}
	}
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return Options{}, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

func applyFile(path string, o *Options) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load bridge config: %w", err)
	}

	if meta.IsDefined("target_origin") {
		if v := strings.TrimSpace(raw.TargetOrigin); v != "" {
			o.TargetOrigin = v
		}
	}
	if meta.IsDefined("origin") {
		o.Origin = strings.TrimSpace(raw.Origin)
	}
	if meta.IsDefined("version") {
		if v := strings.TrimSpace(raw.Version); v != "" {
			o.Version = v
		}
	}
	if meta.IsDefined("heartbeat_enabled") {
		o.HeartbeatEnabled = raw.HeartbeatEnabled
	}
	if meta.IsDefined("reconnect_enabled") {
		o.ReconnectEnabled = raw.ReconnectEnabled
	}
	if meta.IsDefined("log_format") {
		o.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("log_level") {
		o.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("otel_endpoint") {
		o.OTelEndpoint = strings.TrimSpace(raw.OTelEndpoint)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &o.RequestTimeout},
		{"start_timeout", raw.StartTimeout, &o.StartTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &o.HeartbeatInterval},
		{"heartbeat_timeout", raw.HeartbeatTimeout, &o.HeartbeatTimeout},
		{"heartbeat_check_interval", raw.HeartbeatCheckInterval, &o.HeartbeatCheckInterval},
		{"reconnect_backoff", raw.ReconnectBackoff, &o.ReconnectBackoff},
		{"reconnect_max_backoff", raw.ReconnectMaxBackoff, &o.ReconnectMaxBackoff},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}
