package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iamxvbaba/modulebridge"
)

func main() {
	var (
		url        string
		id         string
		secret     string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "module",
		Short: "Connect a module to a bridge host",
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

			shutdownTracing, err := modulebridge.SetupTracing(cmd.Context(), "modulebridge-module", opts.OTelEndpoint)
			if err != nil {
				return err
			}
			defer func() { _ = shutdownTracing(context.Background()) }()

			client, err := modulebridge.Dial(cmd.Context(), url, id, secret, &opts)
			if err != nil {
				return err
			}
			bridge := client.Bridge()

			bridge.OnModuleStart(func(s modulebridge.ModuleStart) {
				log.Info("module start", "route", s.Route)
				_ = bridge.SendUIUpdate(modulebridge.UIUpdate{Title: "Example", Breadcrumb: []string{"Home", s.Route}})

				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), opts.RequestTimeout)
					defer cancel()
					data, err := bridge.RequestData(ctx, "time", nil, 0)
					if err != nil {
						log.Warn("request time", "err", err)
						return
					}
					log.Info("host time", "data", string(data))
				}()
			})
			bridge.OnModuleExit(func(e modulebridge.ModuleExit) {
				log.Info("module exit", "reason", e.Reason)
			})
			client.OnReconnect(func(b *modulebridge.ModuleBridge) {
				_ = b.SendHandshake(modulebridge.HandshakeReady{Capabilities: []string{"ui", "data"}})
			})
			if err := bridge.SendHandshake(modulebridge.HandshakeReady{Capabilities: []string{"ui", "data"}}); err != nil {
				return err
			}

			// 监听信号并优雅关闭
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return client.Close()
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080"+modulebridge.BridgePath, "host bridge endpoint")
	cmd.Flags().StringVar(&id, "id", "", "module id (random when empty)")
	cmd.Flags().StringVar(&secret, "secret", "my-secret", "shared module secret")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
