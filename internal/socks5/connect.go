package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/tuic-go/tuic/internal/address"
	"github.com/tuic-go/tuic/internal/relay"
)

// halfCloser is implemented by connections that support half-close,
// letting one direction of a relay signal EOF while the other stays open.
type halfCloser interface {
	CloseWrite() error
}

// connectTimeout bounds how long handleConnect waits for the transport
// driver to answer a Connect request before replying with TTL expired
// (a request that cannot even be submitted in that time gets a general
// failure reply instead); the request itself is still in flight on the channel and the
// transport driver is expected to eventually deliver (or drop) its reply.
const connectTimeout = 10 * time.Second

// handleConnect implements the TCP Relay Task (C2): submit the target over
// the relay request channel, wait for the transport driver to hand back a
// stream (or an error), reply to the SOCKS5 client accordingly, then copy
// bytes bidirectionally until either side is done.
func (s *Server) handleConnect(ctx context.Context, conn net.Conn, req *Request) {
	log := s.log.With("remote_addr", conn.RemoteAddr(), "target", req.Target.String())
	start := time.Now()

	replyCh := make(chan relay.Reply, 1)
	submitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	err := s.cfg.Requests.Send(submitCtx, relay.Request{
		Command: relay.CmdConnect,
		Target:  req.Target,
		Reply:   replyCh,
	})
	if err != nil {
		log.Debug("failed to submit connect request", "error", err)
		s.cfg.Metrics.RecordConnect(time.Since(start).Seconds(), "server_failure")
		_ = WriteReply(conn, ReplyServerFailure, zeroAddress)
		return
	}

	var rep relay.Reply
	select {
	case rep = <-replyCh:
	case <-submitCtx.Done():
		log.Debug("timed out waiting for connect reply")
		s.cfg.Metrics.RecordConnect(time.Since(start).Seconds(), "ttl_expired")
		_ = WriteReply(conn, ReplyTTLExpired, zeroAddress)
		return
	}

	if rep.Err != nil {
		log.Debug("connect failed", "error", rep.Err)
		reply := mapErrorToReply(rep.Err)
		s.cfg.Metrics.RecordConnect(time.Since(start).Seconds(), replyName(reply))
		_ = WriteReply(conn, reply, zeroAddress)
		return
	}
	stream := rep.Stream
	defer stream.Close()

	bound := address.FromIP(net.IPv4zero, 0)
	switch local := stream.LocalAddr().(type) {
	case *net.TCPAddr:
		bound = address.FromIP(local.IP, uint16(local.Port))
	case *net.UDPAddr:
		bound = address.FromIP(local.IP, uint16(local.Port))
	}
	if err := WriteReply(conn, ReplySucceeded, bound); err != nil {
		log.Debug("failed to write reply", "error", err)
		return
	}
	s.cfg.Metrics.RecordConnect(time.Since(start).Seconds(), "")

	if err := relayBidirectional(conn, stream); err != nil && !isClosedConnError(err) {
		log.Debug("relay ended with error", "error", err)
	}
}

// replyName labels a SOCKS5 reply code for the connect_errors_total metric.
func replyName(reply byte) string {
	switch reply {
	case ReplyNotAllowed:
		return "not_allowed"
	case ReplyNetworkUnreachable:
		return "network_unreachable"
	case ReplyHostUnreachable:
		return "host_unreachable"
	case ReplyConnectionRefused:
		return "connection_refused"
	case ReplyTTLExpired:
		return "ttl_expired"
	case ReplyCmdNotSupported:
		return "cmd_not_supported"
	case ReplyAddrNotSupported:
		return "addr_not_supported"
	default:
		return "server_failure"
	}
}

// relayBidirectional copies data in both directions between a SOCKS5 client
// connection and the transport stream, half-closing the peer as soon as one
// direction reaches EOF.
func relayBidirectional(client net.Conn, target relay.Stream) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(target, client)
		if hc, ok := target.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		_, err := io.Copy(client, target)
		if hc, ok := client.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh
	if err1 != nil {
		return err1
	}
	return err2
}

// mapErrorToReply converts a transport/dial error to a SOCKS5 reply code.
func mapErrorToReply(err error) byte {
	if errors.Is(err, relay.ErrGuardLost) {
		return ReplyServerFailure
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReplyTTLExpired
		}
		if netErr.Op == "dial" {
			return ReplyHostUnreachable
		}
	}

	return ReplyServerFailure
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
