package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/tuic-go/tuic/internal/address"
	"github.com/tuic-go/tuic/internal/auth"
	"github.com/tuic-go/tuic/internal/metrics"
	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/relay"
)

// authWaitTimeout bounds how long a Connect/Packet frame blocks on the auth
// latch before the connection is dropped as unauthenticated, per spec §4.6.
const authWaitTimeout = 5 * time.Second

// ServerConfig configures the server-side transport driver.
type ServerConfig struct {
	ListenAddr string
	TLSConfig  *tls.Config
	// Passwords maps a client uuid to its configured password; an unknown
	// uuid or a token that doesn't verify both fail authentication.
	Passwords  map[uuid.UUID]string
	Congestion relay.CongestionControl
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Server accepts QUIC connections from TUIC clients and relays CONNECT and
// UDP ASSOCIATE traffic to the real upstream.
type Server struct {
	cfg      ServerConfig
	listener *quic.Listener
	log      *slog.Logger
}

// NewServer binds the QUIC listener.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.TLSConfig == nil {
		return nil, errors.New("transport: ServerConfig.TLSConfig is required")
	}
	tlsConf := cfg.TLSConfig
	if tlsConf.NextProtos == nil {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{ALPN}
	}

	ln, err := quic.ListenAddr(cfg.ListenAddr, tlsConf, quicConfig(cfg.Congestion))
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.ListenAddr, err)
	}

	return &Server{cfg: cfg, listener: ln, log: cfg.Log}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handleConnection(ctx, conn)
	}
}

// Close stops the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	log := s.log.With("remote_addr", conn.RemoteAddr())
	latch := auth.New(log)
	sessions := newServerUDPSessions()
	defer sessions.closeAll()

	go s.datagramLoop(ctx, conn, latch, sessions, log)

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.handleStream(ctx, conn, stream, latch, sessions, log)
	}
}

func (s *Server) handleStream(ctx context.Context, conn quic.Connection, stream quic.Stream, latch *auth.Latch, sessions *serverUDPSessions, log *slog.Logger) {
	defer stream.Close()

	cmd, err := protocol.ReadCommand(stream)
	if err != nil {
		log.Debug("failed to read command", "error", err)
		return
	}

	switch cmd {
	case protocol.CmdAuthenticate:
		s.handleAuthenticate(stream, conn, latch, log)

	case protocol.CmdConnect:
		waitStart := time.Now()
		waitCtx, cancel := context.WithTimeout(ctx, authWaitTimeout)
		err := latch.Wait(waitCtx)
		cancel()
		s.cfg.Metrics.RecordAuthWait(time.Since(waitStart).Seconds())
		if err != nil {
			log.Debug("connect before authentication", "error", err)
			_ = conn.CloseWithError(0, "not authenticated")
			return
		}
		s.handleConnect(ctx, stream, log)

	case protocol.CmdPacket:
		waitStart := time.Now()
		waitCtx, cancel := context.WithTimeout(ctx, authWaitTimeout)
		err := latch.Wait(waitCtx)
		cancel()
		s.cfg.Metrics.RecordAuthWait(time.Since(waitStart).Seconds())
		if err != nil {
			log.Debug("packet before authentication", "error", err)
			_ = conn.CloseWithError(0, "not authenticated")
			return
		}
		s.handleStreamPacket(ctx, conn, stream, sessions, log)

	case protocol.CmdDissociate:
		d, err := protocol.DecodeDissociate(stream)
		if err == nil {
			sessions.close(d.AssocID)
		}

	case protocol.CmdHeartbeat:
		log.Debug("heartbeat")
	}
}

func (s *Server) handleAuthenticate(stream quic.Stream, conn quic.Connection, latch *auth.Latch, log *slog.Logger) {
	a, err := protocol.DecodeAuthenticate(stream)
	if err != nil {
		log.Debug("failed to decode authenticate", "error", err)
		return
	}

	password, ok := s.cfg.Passwords[a.UUID]
	if !ok {
		log.Warn("authenticate for unknown uuid", "uuid", a.UUID)
		s.cfg.Metrics.RecordAuthFailure()
		return
	}

	expected := deriveToken(a.UUID, password, conn.ConnectionState())
	if !hmacEqual(expected, a.Token) {
		log.Warn("authenticate token mismatch", "uuid", a.UUID)
		s.cfg.Metrics.RecordAuthFailure()
		return
	}

	latch.Set(a.UUID)
	log.Info("client authenticated", "uuid", a.UUID)
}

func hmacEqual(a, b [protocol.TokenSize]byte) bool {
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// handleConnect dials the real upstream and copies bytes in both
// directions between it and the QUIC stream until either side is done.
func (s *Server) handleConnect(ctx context.Context, stream quic.Stream, log *slog.Logger) {
	c, err := protocol.DecodeConnect(stream)
	if err != nil {
		log.Debug("failed to decode connect", "error", err)
		return
	}

	dialer := net.Dialer{Timeout: 10 * time.Second}
	upstream, err := dialer.DialContext(ctx, "tcp", c.Target.HostPort())
	if err != nil {
		log.Debug("upstream dial failed", "target", c.Target, "error", err)
		return
	}
	defer upstream.Close()

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, stream)
		if tc, ok := upstream.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(stream, upstream)
		_ = stream.Close()
		errCh <- err
	}()
	<-errCh
	<-errCh
}

// handleStreamPacket implements the UDPModeQUIC server side: the first
// Packet frame on the stream has already been partially consumed (the
// command byte), so decode it, forward it, then keep reading/writing
// Packet frames for the lifetime of the stream.
func (s *Server) handleStreamPacket(ctx context.Context, conn quic.Connection, stream quic.Stream, sessions *serverUDPSessions, log *slog.Logger) {
	pkt, err := protocol.DecodePacket(stream)
	if err != nil {
		log.Debug("failed to decode packet", "error", err)
		return
	}

	sess := sessions.getOrCreate(pkt.AssocID, func(dg relay.Datagram) {
		var buf bytes.Buffer
		if err := protocol.EncodePacket(&buf, protocol.Packet{
			AssocID: pkt.AssocID, FragTotal: 1, Target: dg.Target, Data: dg.Payload,
		}); err != nil {
			return
		}
		_, _ = stream.Write(buf.Bytes())
	}, log)

	sess.send(pkt.Target, pkt.Data)

	for {
		cmd, err := protocol.ReadCommand(stream)
		if err != nil {
			return
		}
		if cmd != protocol.CmdPacket {
			return
		}
		p, err := protocol.DecodePacket(stream)
		if err != nil {
			return
		}
		sess.send(p.Target, p.Data)
	}
}

// datagramLoop implements the UDPModeNative server side: every inbound
// datagram on the QUIC connection is a self-contained Packet frame.
func (s *Server) datagramLoop(ctx context.Context, conn quic.Connection, latch *auth.Latch, sessions *serverUDPSessions, log *slog.Logger) {
	for {
		raw, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}

		r := bytes.NewReader(raw)
		cmd, err := protocol.ReadCommand(r)
		if err != nil || cmd != protocol.CmdPacket {
			continue
		}
		pkt, err := protocol.DecodePacket(r)
		if err != nil {
			continue
		}

		if _, ok := latch.Get(); !ok {
			continue
		}

		sess := sessions.getOrCreate(pkt.AssocID, func(dg relay.Datagram) {
			var buf bytes.Buffer
			if err := protocol.EncodePacket(&buf, protocol.Packet{
				AssocID: pkt.AssocID, FragTotal: 1, Target: dg.Target, Data: dg.Payload,
			}); err != nil {
				return
			}
			_ = conn.SendDatagram(buf.Bytes())
		}, log)
		sess.send(pkt.Target, pkt.Data)
	}
}

// serverUDPSessions holds the per-assoc_id upstream UDP sockets for one
// QUIC connection, so repeated Packet frames for the same association
// reuse a single outbound socket instead of dialing per datagram.
type serverUDPSessions struct {
	mu       sync.Mutex
	sessions map[uint16]*serverUDPSession
}

func newServerUDPSessions() *serverUDPSessions {
	return &serverUDPSessions{sessions: make(map[uint16]*serverUDPSession)}
}

func (s *serverUDPSessions) getOrCreate(assocID uint16, deliver func(relay.Datagram), log *slog.Logger) *serverUDPSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[assocID]; ok {
		return sess
	}
	sess := newServerUDPSession(assocID, deliver, log)
	s.sessions[assocID] = sess
	return sess
}

func (s *serverUDPSessions) close(assocID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[assocID]; ok {
		sess.close()
		delete(s.sessions, assocID)
	}
}

func (s *serverUDPSessions) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.close()
		delete(s.sessions, id)
	}
}

// serverUDPSession is the server-side half of one UDP association: an
// outbound socket shared across every target the client sends to, and a
// reader goroutine that delivers replies back through deliver.
type serverUDPSession struct {
	assocID uint16
	sock    *net.UDPConn
	deliver func(relay.Datagram)
	log     *slog.Logger
	closed  atomic.Bool
}

func newServerUDPSession(assocID uint16, deliver func(relay.Datagram), log *slog.Logger) *serverUDPSession {
	sock, err := net.ListenUDP("udp", nil)
	sess := &serverUDPSession{assocID: assocID, sock: sock, deliver: deliver, log: log}
	if err != nil {
		log.Debug("failed to bind upstream UDP socket", "assoc_id", assocID, "error", err)
		sess.closed.Store(true)
		return sess
	}
	go sess.readLoop()
	return sess
}

func (s *serverUDPSession) send(target address.Address, payload []byte) {
	if s.closed.Load() || s.sock == nil {
		return
	}
	addr, err := net.ResolveUDPAddr("udp", target.HostPort())
	if err != nil {
		return
	}
	_, _ = s.sock.WriteToUDP(payload, addr)
}

func (s *serverUDPSession) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.sock.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.deliver(relay.Datagram{
			Target:  addressFromUDP(addr),
			Payload: payload,
		})
	}
}

func addressFromUDP(addr *net.UDPAddr) address.Address {
	return address.FromIP(addr.IP, uint16(addr.Port))
}

func (s *serverUDPSession) close() {
	s.closed.Store(true)
	if s.sock != nil {
		_ = s.sock.Close()
	}
}
