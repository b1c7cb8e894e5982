// Package main provides the CLI entry point for the TUIC server.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tuic-go/tuic/internal/config"
	"github.com/tuic-go/tuic/internal/health"
	"github.com/tuic-go/tuic/internal/logging"
	"github.com/tuic-go/tuic/internal/metrics"
	"github.com/tuic-go/tuic/internal/relay"
	"github.com/tuic-go/tuic/internal/transport"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "tuic-server",
		Short:   "TUIC server - authenticated QUIC relay endpoint",
		Long:    "tuic-server accepts QUIC connections from TUIC clients, authenticates them against a password table, and relays CONNECT and UDP ASSOCIATE traffic to the real upstream.",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the TUIC server",
		Long:  "Start the QUIC listener with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Server.Listen == "" {
				return fmt.Errorf("config: server.listen is required")
			}

			log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			tlsConf, err := serverTLSConfig(&cfg.Server.TLS)
			if err != nil {
				return fmt.Errorf("failed to load TLS config: %w", err)
			}

			passwords, err := passwordTable(cfg.Server.Users)
			if err != nil {
				return fmt.Errorf("failed to build user table: %w", err)
			}

			congestion, err := relay.ParseCongestionControl(cfg.Server.CongestionControl)
			if err != nil {
				return fmt.Errorf("failed to parse congestion_control: %w", err)
			}

			reg := prometheus.NewRegistry()
			m := metrics.NewMetricsWithRegistry(reg)

			srv, err := transport.NewServer(transport.ServerConfig{
				ListenAddr: cfg.Server.Listen,
				TLSConfig:  tlsConf,
				Passwords:  passwords,
				Congestion: congestion,
				Metrics:    m,
				Log:        log,
			})
			if err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			var running atomic.Bool
			running.Store(true)
			healthSrv := health.NewServer(health.ServerConfig{
				Address:  metricsAddr,
				Registry: reg,
			}, runningProvider{&running})
			if err := healthSrv.Start(); err != nil {
				return fmt.Errorf("failed to start health server: %w", err)
			}

			fmt.Printf("tuic-server listening on %s\n", srv.Addr())
			fmt.Printf("metrics/health on %s\n", metricsAddr)

			ctx, cancel := context.WithCancel(context.Background())
			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Serve(ctx) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
			case err := <-serveErr:
				if err != nil && ctx.Err() == nil {
					log.Error("server stopped", logging.KeyError, err)
				}
			}

			running.Store(false)
			cancel()
			_ = srv.Close()
			_ = healthSrv.Stop()

			fmt.Println("tuic-server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./tuic-server.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", ":9090", "Address for the /health, /healthz, /ready, /metrics endpoints")

	return cmd
}

type runningProvider struct {
	running *atomic.Bool
}

func (p runningProvider) IsRunning() bool { return p.running.Load() }

// serverTLSConfig builds the server's tls.Config from inline PEM or file
// paths (ServerTLSConfig.GetCertPEM/GetKeyPEM prefer the inline forms).
func serverTLSConfig(t *config.ServerTLSConfig) (*tls.Config, error) {
	certPEM, err := t.GetCertPEM()
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := t.GetKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, fmt.Errorf("server.tls: cert/cert_pem and key/key_pem are required")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse certificate/key: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{transport.ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func passwordTable(users map[string]string) (map[uuid.UUID]string, error) {
	table := make(map[uuid.UUID]string, len(users))
	for id, password := range users {
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("server.users key %q: %w", id, err)
		}
		table[u] = password
	}
	return table, nil
}
