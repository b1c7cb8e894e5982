// Package main provides the CLI entry point for the TUIC client.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tuic-go/tuic/internal/certutil"
	"github.com/tuic-go/tuic/internal/config"
	"github.com/tuic-go/tuic/internal/health"
	"github.com/tuic-go/tuic/internal/logging"
	"github.com/tuic-go/tuic/internal/metrics"
	"github.com/tuic-go/tuic/internal/relay"
	"github.com/tuic-go/tuic/internal/socks5"
	"github.com/tuic-go/tuic/internal/transport"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "tuic-client",
		Short:   "TUIC client - local SOCKS5 ingress over an authenticated QUIC transport",
		Long:    "tuic-client runs a local SOCKS5 server that multiplexes TCP and UDP traffic onto a single authenticated QUIC connection to a tuic-server.",
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
		Short: "Run the TUIC client",
		Long:  "Start the local SOCKS5 acceptor and the QUIC transport driver with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Client.Server == "" {
				return fmt.Errorf("config: client.server is required")
			}

			log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			clientUUID, err := uuid.Parse(cfg.Client.UUID)
			if err != nil {
				return fmt.Errorf("config: client.uuid: %w", err)
			}

			udpMode, err := relay.ParseUDPMode(cfg.Client.UDPRelayMode)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			congestion, err := relay.ParseCongestionControl(cfg.Client.CongestionControl)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			tlsConf, err := clientTLSConfig(&cfg.Client.TLS, cfg.Client.Server)
			if err != nil {
				return fmt.Errorf("failed to build TLS config: %w", err)
			}

			reg := prometheus.NewRegistry()
			m := metrics.NewMetricsWithRegistry(reg)

			requests := relay.NewChannel(64)
			defer requests.Close()

			client := transport.NewClient(transport.ClientConfig{
				ServerAddr: cfg.Client.Server,
				ServerName: tlsConf.ServerName,
				UUID:       clientUUID,
				Password:   cfg.Client.Password,
				TLSConfig:  tlsConf,
				UDPMode:    udpMode,
				Congestion: congestion,
				Log:        log,
			})
			defer client.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go client.Run(ctx, requests)

			socksServer, err := socks5.NewServer(socks5.ServerConfig{
				Address:                cfg.Client.SOCKS5.Address,
				DualStack:              cfg.Client.SOCKS5.DualStack,
				Auth:                   socks5.CreateAuthenticators(socks5Auth(&cfg.Client.SOCKS5)),
				Requests:               requests,
				MaxDatagramSize:        cfg.Client.SOCKS5.MaxPacketSize,
				AssociationIdleTimeout: config.DefaultAssociationIdleTimeout,
				Metrics:                m,
				Log:                    log,
			})
			if err != nil {
				return fmt.Errorf("failed to start SOCKS5 server: %w", err)
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

			fmt.Printf("tuic-client SOCKS5 listening on %s\n", cfg.Client.SOCKS5.Address)
			fmt.Printf("upstream server: %s\n", cfg.Client.Server)
			fmt.Printf("metrics/health on %s\n", metricsAddr)

			serveErr := make(chan error, 1)
			go func() { serveErr <- socksServer.Serve(ctx) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
			case err := <-serveErr:
				if err != nil && ctx.Err() == nil {
					log.Error("socks5 server stopped", logging.KeyError, err)
				}
			}

			running.Store(false)
			cancel()
			_ = socksServer.Close()
			_ = healthSrv.Stop()

			fmt.Println("tuic-client stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./tuic-client.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", ":9091", "Address for the /health, /healthz, /ready, /metrics endpoints")

	return cmd
}

type runningProvider struct {
	running *atomic.Bool
}

func (p runningProvider) IsRunning() bool { return p.running.Load() }

// clientTLSConfig builds the tls.Config the client dials with: ServerName
// defaults to the host portion of Client.Server, optionally pinned to a
// non-public CA, per spec §4.10's ClientTLSConfig.
func clientTLSConfig(t *config.ClientTLSConfig, serverAddr string) (*tls.Config, error) {
	serverName := t.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(serverAddr)
		if err != nil {
			return nil, fmt.Errorf("client.server %q: %w", serverAddr, err)
		}
		serverName = host
	}

	tlsConf := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: t.Insecure,
	}

	if t.CA != "" {
		pool, err := certutil.LoadCAPool(t.CA)
		if err != nil {
			return nil, fmt.Errorf("client.tls.ca: %w", err)
		}
		tlsConf.RootCAs = pool
	}

	return tlsConf, nil
}

func socks5Auth(cfg *config.SOCKS5Config) socks5.AuthConfig {
	if cfg.Username == "" {
		return socks5.AuthConfig{Enabled: false, Required: false}
	}
	return socks5.AuthConfig{
		Enabled:  true,
		Required: true,
		Users:    map[string]string{cfg.Username: cfg.Password},
	}
}
