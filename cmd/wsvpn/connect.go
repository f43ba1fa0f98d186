package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opd-ai/wsvpn/wsvpn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type connectFlags struct {
	configPath  string
	url         string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func connectCmd() *cobra.Command {
	var flags connectFlags

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a wsvpn server",
		Long: `Connect to a wsvpn server and stay connected until interrupted.

The server URL selects the transport:
  ws://host/path, wss://host/path   WebSocket
  stream://host:port                TCP control stream with UDP datagrams`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to TOML config file")
	cmd.Flags().StringVar(&flags.url, "url", "", "Server URL (ws://, wss:// or stream://)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "", "Log format (text or json)")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

// resolveConfig loads the config file, if any, and applies flags on top.
func resolveConfig(cmd *cobra.Command, flags connectFlags) (cliConfig, error) {
	cfg := defaultCLIConfig()
	if flags.configPath != "" {
		loaded, err := loadConfig(flags.configPath)
		if err != nil {
			return cliConfig{}, err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("url") {
		cfg.URL = flags.url
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = flags.logFormat
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}

	if err := cfg.validate(); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func runConnect(ctx context.Context, cfg cliConfig) error {
	if err := cfg.configureLogging(); err != nil {
		return err
	}

	adapter, err := newAdapter(cfg)
	if err != nil {
		return err
	}

	clientCfg := cfg.clientConfig()

	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		metrics, err := wsvpn.NewMetrics(wsvpn.WithRegistry(registry))
		if err != nil {
			return err
		}
		clientCfg.Metrics = metrics

		server := serveMetrics(cfg.MetricsAddr, registry)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	var packets atomic.Uint64
	closed := make(chan struct{}, 1)
	clientCfg.OnNotification = func(n wsvpn.Notification) {
		switch n.Kind {
		case wsvpn.NotifyPacket:
			packets.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "runConnect",
				"length":   len(n.Packet),
			}).Debug("Received packet")
		case wsvpn.NotifyError:
			logrus.WithFields(logrus.Fields{
				"function": "runConnect",
				"error":    n.Err.Error(),
			}).Error("Session failed")
		case wsvpn.NotifyClose:
			select {
			case closed <- struct{}{}:
			default:
			}
		}
	}

	client, err := wsvpn.New(adapter, clientCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	params, err := client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.URL, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "runConnect",
		"mode":          params.Mode,
		"ip_address":    params.IPAddress,
		"mtu":           params.MTU,
		"client_id":     params.ClientID,
		"used_features": client.UsedFeatures().String(),
	}).Info("Tunnel ready")

	select {
	case <-ctx.Done():
		logrus.WithFields(logrus.Fields{
			"function": "runConnect",
		}).Info("Shutting down")
	case <-closed:
	}

	logrus.WithFields(logrus.Fields{
		"function": "runConnect",
		"packets":  packets.Load(),
	}).Info("Disconnected")

	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"addr":     addr,
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "serveMetrics",
		"addr":     addr,
	}).Info("Serving metrics")

	return server
}
