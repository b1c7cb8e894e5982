// Package config provides configuration parsing and validation for the
// TUIC client and server.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tuic-go/tuic/internal/relay"
)

// Config is the top-level configuration file shape. A given process only
// reads the section it needs: tuic-client reads Client, tuic-server reads
// Server; the other section may be zero-valued or simply absent from the
// file.
type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ClientConfig configures the SOCKS5 ingress and the outbound QUIC
// connection it multiplexes onto.
type ClientConfig struct {
	Server   string `yaml:"server"`
	UUID     string `yaml:"uuid"`
	Password string `yaml:"password"`

	SOCKS5 SOCKS5Config `yaml:"socks5"`

	// UDPRelayMode is "native" or "quic"; see relay.ParseUDPMode.
	UDPRelayMode string `yaml:"udp_relay_mode"`
	// CongestionControl is "cubic", "new_reno"/"newreno", or "bbr"; see
	// relay.ParseCongestionControl.
	CongestionControl string `yaml:"congestion_control"`

	TLS ClientTLSConfig `yaml:"tls"`
}

// SOCKS5Config configures the local SOCKS5 acceptor (C1).
type SOCKS5Config struct {
	Address string `yaml:"address"`
	// DualStack, when set, pins IPV6_V6ONLY on a v6 listener (true accepts
	// v4-mapped peers, false restricts to v6 only); nil leaves the OS
	// default in place.
	DualStack *bool `yaml:"dual_stack"`
	// MaxPacketSize bounds UDP ASSOCIATE payload sizes; 0 uses the
	// acceptor's built-in default.
	MaxPacketSize int `yaml:"max_packet_size"`
	// Username/Password configure RFC 1929 auth; both empty means no-auth,
	// both set means username/password required. One set and the other
	// empty is a config error.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ClientTLSConfig configures the client's view of the server's certificate.
type ClientTLSConfig struct {
	// CA is a PEM file path for a non-public CA to trust instead of the
	// system root pool.
	CA string `yaml:"ca"`
	// ServerName overrides the TLS ServerName / SNI and certificate
	// verification name; defaults to the host portion of Client.Server.
	ServerName string `yaml:"server_name"`
	// Insecure disables certificate verification. Never set this in
	// production; it exists for testing against a self-signed dev server.
	Insecure bool `yaml:"insecure"`
}

// ServerConfig configures the QUIC listener and its accepted clients.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// Users maps a client uuid (string form) to its password, the
	// server-side credential table checked by the auth latch.
	Users map[string]string `yaml:"users"`

	TLS ServerTLSConfig `yaml:"tls"`

	// CongestionControl is "cubic", "new_reno"/"newreno", or "bbr"; see
	// relay.ParseCongestionControl.
	CongestionControl string `yaml:"congestion_control"`
}

// ServerTLSConfig configures the server's own certificate. Cert/Key name
// PEM file paths; CertPEM/KeyPEM carry inline PEM content and take
// precedence when both are set, so a secret delivered by an orchestrator
// (env-injected or mounted as a literal) need not round-trip through disk.
type ServerTLSConfig struct {
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`
}

// GetCertPEM returns the server certificate PEM, reading from file only if
// CertPEM is empty.
func (t *ServerTLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the server private key PEM, reading from file only if
// KeyPEM is empty.
func (t *ServerTLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

// Default returns a Config with every field set to its out-of-the-box
// value, before a config file is parsed over it.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Client: ClientConfig{
			SOCKS5: SOCKS5Config{
				Address:       "127.0.0.1:1080",
				MaxPacketSize: 1472,
			},
			UDPRelayMode:      "native",
			CongestionControl: "cubic",
		},
		Server: ServerConfig{
			CongestionControl: "cubic",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR} / $VAR
// references against the process environment before unmarshaling.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default}, or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName, defaultVal := name[:idx], name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for startup-fatal errors, per spec §7:
// an invalid config must fail fast rather than run with a guessed default.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	errs = append(errs, c.Client.validate()...)
	errs = append(errs, c.Server.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *ClientConfig) validate() []string {
	var errs []string

	if c.Server == "" {
		return errs // client section not in use by this process
	}

	if c.UUID == "" {
		errs = append(errs, "client.uuid is required")
	} else if _, err := uuid.Parse(c.UUID); err != nil {
		errs = append(errs, fmt.Sprintf("client.uuid is not a valid uuid: %v", err))
	}

	if (c.SOCKS5.Username == "") != (c.SOCKS5.Password == "") {
		errs = append(errs, "client.socks5.username and client.socks5.password must be both empty or both set")
	}

	if _, err := relay.ParseUDPMode(c.UDPRelayMode); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := relay.ParseCongestionControl(c.CongestionControl); err != nil {
		errs = append(errs, err.Error())
	}

	return errs
}

func (c *ServerConfig) validate() []string {
	var errs []string

	if c.Listen == "" {
		return errs // server section not in use by this process
	}

	for id := range c.Users {
		if _, err := uuid.Parse(id); err != nil {
			errs = append(errs, fmt.Sprintf("server.users key %q is not a valid uuid: %v", id, err))
		}
	}

	if _, err := relay.ParseCongestionControl(c.CongestionControl); err != nil {
		errs = append(errs, err.Error())
	}

	return errs
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}

// Defaults for UDP association settings. tuic-client passes
// DefaultAssociationIdleTimeout to the SOCKS5 acceptor, and
// DefaultMaxDatagramSize equals the acceptor's own fallback for a zero
// max_packet_size. The acceptor enforces no cap on the number of
// associations; DefaultMaxAssociations is not read by it.
const (
	DefaultMaxAssociations        = 1000
	DefaultAssociationIdleTimeout = 5 * time.Minute
	DefaultMaxDatagramSize        = 1472
)
