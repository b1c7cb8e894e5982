package socks5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tuic-go/tuic/internal/metrics"
	"github.com/tuic-go/tuic/internal/relay"
)

// ErrTooManyConnections names the capacity condition: when a new connection
// arrives with MaxConnections already in flight, Serve logs a warning and
// closes it immediately without a handshake attempt. Serve itself does not
// return this error.
var ErrTooManyConnections = errors.New("socks5: too many connections")

// ServerConfig configures the SOCKS5 acceptor (C1).
type ServerConfig struct {
	// Address is the listen address, e.g. "127.0.0.1:1080".
	Address string
	// DualStack, when non-nil, pins IPV6_V6ONLY on a v6 listener: true
	// accepts v4-mapped peers on the same socket, false restricts to v6
	// only. nil leaves the OS default in place.
	DualStack *bool
	// MaxConnections caps concurrent accepted connections; 0 means
	// unlimited.
	MaxConnections int
	// Auth lists the acceptable authenticators in preference order; the
	// first whose GetMethod() the client offered wins the negotiation. A
	// nil/empty list defaults to NoAuthAuthenticator only.
	Auth []Authenticator
	// Requests is where CONNECT/UDP ASSOCIATE work is handed to the
	// transport driver (C4).
	Requests *relay.Channel
	// MaxDatagramSize bounds UDP ASSOCIATE payloads; see udp.go.
	MaxDatagramSize int
	// AssociationIdleTimeout tears down a UDP association after this long
	// without traffic in either direction.
	AssociationIdleTimeout time.Duration

	// Metrics records acceptor and relay activity; a nil value records to
	// metrics.Default().
	Metrics *metrics.Metrics

	Log *slog.Logger
}

// Server accepts SOCKS5 connections and dispatches CONNECT to the TCP relay
// task (C2) and UDP ASSOCIATE to the UDP association manager (C3).
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	tracker  *connTracker[net.Conn]
	assocMgr *associationManager
	log      *slog.Logger
}

// NewServer binds the listen address with the acceptor's socket options
// already applied (SO_REUSEADDR, and IPV6_V6ONLY when DualStack is set).
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Requests == nil {
		return nil, errors.New("socks5: ServerConfig.Requests is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}

	lc := net.ListenConfig{Control: controlSocketOptions(cfg.DualStack)}
	ln, err := lc.Listen(context.Background(), "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("socks5: listen %s: %w", cfg.Address, err)
	}

	return &Server{
		cfg:      cfg,
		listener: ln,
		tracker:  newConnTracker[net.Conn](),
		assocMgr: newAssociationManager(cfg.Requests, cfg.MaxDatagramSize, cfg.Metrics, cfg.Log),
		log:      cfg.Log,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve runs the accept loop until ctx is canceled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("socks5: accept: %w", err)
		}

		if s.cfg.MaxConnections > 0 && s.tracker.count() >= s.cfg.MaxConnections {
			s.log.Warn("rejecting connection, at capacity",
				"remote_addr", conn.RemoteAddr(), "max_connections", s.cfg.MaxConnections)
			_ = conn.Close()
			continue
		}

		s.tracker.add(conn)
		go s.handleConn(ctx, conn)
	}
}

// Close closes the listener and every tracked connection and association.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.tracker.closeAll()
	s.assocMgr.closeAll()
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.tracker.remove(conn)
	defer conn.Close()
	s.cfg.Metrics.RecordSOCKS5Connect()
	defer s.cfg.Metrics.RecordSOCKS5Disconnect()

	log := s.log.With("remote_addr", conn.RemoteAddr())

	if err := s.authenticate(conn); err != nil {
		log.Debug("handshake failed", "error", err)
		return
	}

	req, err := ReadRequest(conn)
	if err != nil {
		log.Debug("request decode failed", "error", err)
		return
	}

	switch req.Command {
	case CmdConnect:
		s.handleConnect(ctx, conn, req)
	case CmdUDPAssociate:
		s.handleUDPAssociate(ctx, conn, req)
	default:
		log.Debug("unsupported command", "command", req.Command)
		_ = WriteReply(conn, ReplyCmdNotSupported, zeroAddress)
	}
}

// authenticate runs the RFC 1928 method negotiation followed by whatever
// sub-negotiation the chosen authenticator requires (RFC 1929 for
// user/pass), per auth.go.
func (s *Server) authenticate(conn net.Conn) error {
	greeting, err := ReadGreeting(conn)
	if err != nil {
		return err
	}

	auths := s.cfg.Auth
	if len(auths) == 0 {
		auths = []Authenticator{&NoAuthAuthenticator{}}
	}

	var chosen Authenticator
	for _, a := range auths {
		for _, offered := range greeting.Methods {
			if a.GetMethod() == offered {
				chosen = a
				break
			}
		}
		if chosen != nil {
			break
		}
	}

	if chosen == nil {
		_ = WriteMethodSelection(conn, AuthMethodNoAcceptable)
		return fmt.Errorf("socks5: no acceptable auth method offered %v", greeting.Methods)
	}

	if err := WriteMethodSelection(conn, chosen.GetMethod()); err != nil {
		return err
	}

	_, err = chosen.Authenticate(conn, conn)
	return err
}
