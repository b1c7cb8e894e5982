package transport

import (
	"log/slog"
	"testing"

	"github.com/tuic-go/tuic/internal/relay"
)

func TestQuicConfig(t *testing.T) {
	cfg := quicConfig(relay.CongestionCubic)
	if !cfg.EnableDatagrams {
		t.Error("EnableDatagrams = false, want true (required for UDPModeNative)")
	}
	if cfg.MaxIdleTimeout != defaultMaxIdleTimeout {
		t.Errorf("MaxIdleTimeout = %v, want %v", cfg.MaxIdleTimeout, defaultMaxIdleTimeout)
	}
	if cfg.KeepAlivePeriod != defaultKeepAlive {
		t.Errorf("KeepAlivePeriod = %v, want %v", cfg.KeepAlivePeriod, defaultKeepAlive)
	}

	// quic-go has no pluggable congestion controller selection; every
	// algorithm must still produce a usable config rather than erroring.
	for _, cc := range []relay.CongestionControl{relay.CongestionCubic, relay.CongestionNewReno, relay.CongestionBBR} {
		if got := quicConfig(cc); got == nil {
			t.Errorf("quicConfig(%v) = nil", cc)
		}
	}
}

func TestNewClient_DefaultsLogger(t *testing.T) {
	c := NewClient(ClientConfig{ServerAddr: "example.com:443"})
	if c.log == nil {
		t.Error("NewClient left log nil, want slog.Default() fallback")
	}
}

func TestNewClient_KeepsProvidedLogger(t *testing.T) {
	log := slog.Default().With("component", "test")
	c := NewClient(ClientConfig{ServerAddr: "example.com:443", Log: log})
	if c.log != log {
		t.Error("NewClient replaced a caller-provided logger")
	}
}

func TestClient_CloseWithoutConnection(t *testing.T) {
	c := NewClient(ClientConfig{ServerAddr: "example.com:443"})
	if err := c.Close(); err != nil {
		t.Errorf("Close() on an unconnected client = %v, want nil", err)
	}
}
