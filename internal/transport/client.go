// Package transport implements the TUIC transport driver (A6): the client
// side dials (and redials) a single QUIC connection to the server and maps
// relay.Request values onto TUIC command frames; the server side accepts
// QUIC connections, gates each one on an auth.Latch, and relays CONNECT and
// UDP ASSOCIATE traffic to the real upstream.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/tuic-go/tuic/internal/address"
	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/relay"
)

// ALPN is the protocol TUIC connections negotiate during the TLS handshake.
const ALPN = "tuic"

const (
	defaultMaxIdleTimeout  = 60 * time.Second
	defaultKeepAlive       = 15 * time.Second
	defaultHandshakeWindow = 10 * time.Second
)

func quicConfig(cc relay.CongestionControl) *quic.Config {
	// quic-go selects its congestion controller internally; the public API
	// exposes no per-connection algorithm switch (Cubic is its only
	// built-in implementation as of the version this module vendors). The
	// configured algorithm is still parsed and plumbed this far (see
	// internal/relay/policy.go) so config validation rejects unknown names,
	// but it is ignored here: every setting runs with the library default.
	_ = cc
	return &quic.Config{
		MaxIdleTimeout:  defaultMaxIdleTimeout,
		KeepAlivePeriod: defaultKeepAlive,
		EnableDatagrams: true,
	}
}

// ClientConfig configures the client-side transport driver.
type ClientConfig struct {
	ServerAddr string
	ServerName string
	UUID       uuid.UUID
	Password   string
	TLSConfig  *tls.Config // caller supplies CA pool / InsecureSkipVerify
	UDPMode    relay.UDPMode
	Congestion relay.CongestionControl
	Log        *slog.Logger
}

// Client owns the single QUIC connection to the server and answers
// relay.Request values arriving on a relay.Channel.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	mu        sync.Mutex
	conn      quic.Connection
	authed    bool
	datagrams *datagramDemux
}

// NewClient builds a Client; the QUIC connection is established lazily on
// the first request, and transparently redialed if it drops.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Client{cfg: cfg, log: cfg.Log}
}

// Run drains requests from ch until ctx is canceled, dispatching each to
// the QUIC connection. It is the single consumer the relay.Channel doc
// comment describes.
func (c *Client) Run(ctx context.Context, ch *relay.Channel) {
	for {
		select {
		case req, ok := <-ch.Requests():
			if !ok {
				return
			}
			go c.serve(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) serve(ctx context.Context, req relay.Request) {
	switch req.Command {
	case relay.CmdConnect:
		stream, err := c.openConnect(ctx, req.Target)
		req.Reply <- relay.Reply{Stream: stream, Err: err}
	case relay.CmdAssociate:
		ep, err := c.openAssociate(ctx, req.AssocID)
		req.Reply <- relay.Reply{Endpoint: ep, Err: err}
	}
}

// connection returns the live QUIC connection, dialing (and
// re-authenticating) if necessary.
func (c *Client) connection(ctx context.Context) (quic.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		select {
		case <-c.conn.Context().Done():
			c.conn = nil
			c.authed = false
		default:
			return c.conn, nil
		}
	}

	tlsConf := c.cfg.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{ServerName: c.cfg.ServerName}
	}
	if tlsConf.NextProtos == nil {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{ALPN}
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultHandshakeWindow)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, c.cfg.ServerAddr, tlsConf, quicConfig(c.cfg.Congestion))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", c.cfg.ServerAddr, err)
	}

	c.conn = conn
	c.authed = false
	c.datagrams = newDatagramDemux(conn)
	go c.datagrams.run(c.log)

	if err := c.authenticate(conn); err != nil {
		_ = conn.CloseWithError(0, "authentication failed")
		c.conn = nil
		return nil, err
	}

	return conn, nil
}

// authenticate sends one Authenticate frame on a dedicated stream, per
// spec §4.9: exactly once per freshly-dialed QUIC connection.
func (c *Client) authenticate(conn quic.Connection) error {
	stream, err := conn.OpenStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("transport: open auth stream: %w", err)
	}
	defer stream.Close()

	token := deriveToken(c.cfg.UUID, c.cfg.Password, conn.ConnectionState())
	if err := protocol.EncodeAuthenticate(stream, protocol.Authenticate{UUID: c.cfg.UUID, Token: token}); err != nil {
		return fmt.Errorf("transport: send authenticate: %w", err)
	}
	c.authed = true
	return nil
}

// openConnect opens a bidirectional stream and sends a Connect frame,
// returning the stream wrapped to satisfy relay.Stream.
func (c *Client) openConnect(ctx context.Context, target address.Address) (relay.Stream, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}

	if err := protocol.EncodeConnect(stream, protocol.Connect{Target: target}); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("transport: send connect: %w", err)
	}

	return &quicStream{stream: stream, localAddr: conn.LocalAddr()}, nil
}

// openAssociate registers assocID with the datagram demultiplexer (or, in
// UDPModeQUIC, prepares a dedicated-stream endpoint) and returns the
// endpoint the UDP association manager pumps datagrams through.
func (c *Client) openAssociate(ctx context.Context, assocID uint16) (relay.AssociateEndpoint, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	switch c.cfg.UDPMode {
	case relay.UDPModeNative:
		return c.datagrams.register(assocID), nil
	case relay.UDPModeQUIC:
		return newStreamAssociateEndpoint(ctx, conn, assocID)
	default:
		return nil, fmt.Errorf("transport: unknown udp mode %v", c.cfg.UDPMode)
	}
}

// Close tears down the QUIC connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.CloseWithError(0, "client closing")
	c.conn = nil
	return err
}

// quicStream adapts a quic.Stream to relay.Stream.
type quicStream struct {
	stream    quic.Stream
	localAddr net.Addr
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}
func (s *quicStream) CloseWrite() error   { return s.stream.Close() }
func (s *quicStream) LocalAddr() net.Addr { return s.localAddr }
