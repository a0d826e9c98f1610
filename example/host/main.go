package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iamxvbaba/modulebridge"
)

func main() {
	var (
		addr       string
		secret     string
		configPath string
		route      string
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run a bridge host that starts every connecting module",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := modulebridge.LoadOptions(configPath)
			if err != nil {
				return err
			}
			log, err := modulebridge.NewLogger(opts.LogFormat, opts.LogLevel, nil)
			if err != nil {
				return err
			}
			opts.Logger = log

			shutdownTracing, err := modulebridge.SetupTracing(cmd.Context(), "modulebridge-host", opts.OTelEndpoint)
			if err != nil {
				return err
			}
			defer func() { _ = shutdownTracing(context.Background()) }()

			server := modulebridge.NewServer(&modulebridge.SecretIDAuth{Secret: secret}, &opts)

			start := func(s *modulebridge.Session) {
				_ = s.Bridge.StartModule(modulebridge.ModuleStart{
					ModuleID:  s.ID,
					Route:     route,
					Context:   map[string]any{},
					Timestamp: time.Now().UnixMilli(),
				}, opts.StartTimeout)
			}

			server.OnSession(func(s *modulebridge.Session) {
				s.Bridge.OnHandshakeReady(func(hs modulebridge.HandshakeReady) {
					log.Info("handshake", "module_id", s.ID, "version", hs.Version, "capabilities", hs.Capabilities)
				})
				s.Bridge.OnUIUpdate(func(u modulebridge.UIUpdate) {
					log.Info("ui update", "module_id", s.ID, "title", u.Title, "breadcrumb", u.Breadcrumb)
				})
				s.Bridge.OnError(func(e modulebridge.ErrorReport) {
					log.Warn("module error", "module_id", s.ID, "code", e.Code, "message", e.Message)
				})
				s.Bridge.HandleRequests(func(ctx context.Context, req modulebridge.DataRequest) (any, error) {
					switch req.Type {
					case "time":
						return map[string]any{"now": time.Now().UnixMilli()}, nil
					default:
						return nil, fmt.Errorf("unknown request type %q", req.Type)
					}
				})
				start(s)
			})
			// 重连后 Bridge 已 Reset，需重新发起启动交接
			server.OnSessionResumed(start)
			server.OnSessionClosed(func(s *modulebridge.Session) {
				log.Info("session closed", "module_id", s.ID)
			})

			go func() {
				if err := server.Serve(addr); err != nil {
					log.Error("serve", "err", err)
				}
			}()

			// 监听系统信号并优雅关闭
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&secret, "secret", "my-secret", "shared module secret")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	cmd.Flags().StringVar(&route, "route", "/", "route sent in module-start")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
