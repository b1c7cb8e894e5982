package socks5

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tuic-go/tuic/internal/address"
	"github.com/tuic-go/tuic/internal/metrics"
	"github.com/tuic-go/tuic/internal/relay"
)

// defaultMaxDatagramSize is the largest UDP payload that fits a typical
// 1500-byte Ethernet MTU without IP fragmentation: 1500 minus the 20-byte
// IPv4 header and the 8-byte UDP header.
const defaultMaxDatagramSize = 1472

// association is one active UDP ASSOCIATE session (C3): a locally bound UDP
// socket facing the SOCKS5 client, the endpoint the transport driver
// exposes for this assoc_id, and the source-address lock that rejects
// traffic from any peer but the first one observed.
type association struct {
	id          uint16
	sock        *net.UDPConn
	endpoint    relay.AssociateEndpoint
	log         *slog.Logger
	idleTimeout time.Duration
	metrics     *metrics.Metrics

	mu     sync.Mutex
	peer   netip.AddrPort // zero until the first datagram arrives
	locked bool
}

// touch extends the socket's read deadline by idleTimeout, tearing the
// association down once no datagram has arrived in either direction for
// that long. A zero idleTimeout disables the deadline.
func (a *association) touch() {
	if a.idleTimeout > 0 {
		_ = a.sock.SetReadDeadline(time.Now().Add(a.idleTimeout))
	}
}

// lockOrVerify implements the reference client's source-lock algorithm: the
// first datagram received on the association's socket fixes the peer
// address; every later datagram must match it after IPv4/IPv6-mapped
// normalization, or it is dropped as a spoofing attempt.
func (a *association) lockOrVerify(src netip.AddrPort) bool {
	norm := address.NormalizeAddrPort(src)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.locked {
		a.peer = norm
		a.locked = true
		return true
	}
	return a.peer == norm
}

// associationManager owns the process-wide table of active UDP
// associations, keyed by assoc_id, and allocates new ids with a wrapping
// counter shared across every SOCKS5 connection.
type associationManager struct {
	requests        *relay.Channel
	maxDatagramSize int
	metrics         *metrics.Metrics
	log             *slog.Logger

	nextID atomic.Uint32

	mu     sync.RWMutex
	assocs map[uint16]*association
}

func newAssociationManager(requests *relay.Channel, maxDatagramSize int, m *metrics.Metrics, log *slog.Logger) *associationManager {
	if maxDatagramSize <= 0 {
		maxDatagramSize = defaultMaxDatagramSize
	}
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &associationManager{
		requests:        requests,
		maxDatagramSize: maxDatagramSize,
		metrics:         m,
		log:             log,
		assocs:          make(map[uint16]*association),
	}
}

func (m *associationManager) allocateID() uint16 {
	return uint16(m.nextID.Add(1))
}

func (m *associationManager) register(a *association) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assocs[a.id] = a
}

func (m *associationManager) unregister(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assocs, id)
}

func (m *associationManager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.assocs {
		_ = a.sock.Close()
		_ = a.endpoint.Close()
		delete(m.assocs, id)
	}
}

// handleUDPAssociate implements the UDP Association Manager (C3): bind an
// ephemeral local UDP socket, request an Associate endpoint from the
// transport driver, reply to the client with the bound socket's address,
// then pump datagrams in both directions until the control connection
// closes.
func (s *Server) handleUDPAssociate(ctx context.Context, conn net.Conn, req *Request) {
	log := s.log.With("remote_addr", conn.RemoteAddr())

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		log.Debug("failed to bind UDP relay socket", "error", err)
		_ = WriteReply(conn, ReplyServerFailure, zeroAddress)
		return
	}

	id := s.assocMgr.allocateID()
	log = log.With("assoc_id", id)

	replyCh := make(chan relay.Reply, 1)
	if err := s.cfg.Requests.Send(ctx, relay.Request{
		Command: relay.CmdAssociate,
		AssocID: id,
		Reply:   replyCh,
	}); err != nil {
		log.Debug("failed to submit associate request", "error", err)
		_ = sock.Close()
		_ = WriteReply(conn, ReplyServerFailure, zeroAddress)
		return
	}

	var rep relay.Reply
	select {
	case rep = <-replyCh:
	case <-ctx.Done():
		_ = sock.Close()
		return
	}
	if rep.Err != nil {
		log.Debug("associate failed", "error", rep.Err)
		_ = sock.Close()
		_ = WriteReply(conn, mapErrorToReply(rep.Err), zeroAddress)
		return
	}

	a := &association{
		id: id, sock: sock, endpoint: rep.Endpoint, log: log,
		idleTimeout: s.cfg.AssociationIdleTimeout, metrics: s.assocMgr.metrics,
	}
	s.assocMgr.register(a)
	s.assocMgr.metrics.RecordAssociationOpen()
	defer func() {
		s.assocMgr.unregister(id)
		s.assocMgr.metrics.RecordAssociationClose()
		_ = sock.Close()
		_ = rep.Endpoint.Close()
	}()

	bound := address.FromIP(net.IPv4zero, 0)
	if local, ok := sock.LocalAddr().(*net.UDPAddr); ok {
		bound = address.FromIP(local.IP, uint16(local.Port))
	}
	if err := WriteReply(conn, ReplySucceeded, bound); err != nil {
		log.Debug("failed to write reply", "error", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The control stream carries no further application data; any read
		// returning means the client closed it, which per spec tears down
		// the association.
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	}()

	ingressDone := make(chan struct{})
	go func() {
		defer close(ingressDone)
		a.ingressLoop(s.assocMgr.maxDatagramSize)
	}()

	egressDone := make(chan struct{})
	go func() {
		defer close(egressDone)
		a.egressLoop()
	}()

	select {
	case <-done:
	case <-ingressDone:
	case <-egressDone:
	case <-ctx.Done():
	}
}

// ingressLoop reads SOCKS5 UDP datagrams from the local socket (client ->
// proxy) and forwards their payload to the transport driver, enforcing the
// source lock and rejecting fragmentation per spec §4.3.
func (a *association) ingressLoop(maxDatagramSize int) {
	buf := make([]byte, maxDatagramSize)
	a.touch()
	for {
		n, srcAddr, err := a.sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		a.touch()

		if !a.lockOrVerify(srcAddr) {
			a.log.Warn("dropping datagram from unlocked source", "source", srcAddr)
			a.metrics.RecordDroppedPacket(metrics.DropReasonSourceMismatch)
			continue
		}

		hdr, payload, err := DecodeUDPPacket(buf[:n])
		if err != nil {
			if errors.Is(err, ErrFragmented) {
				a.log.Debug("dropping fragmented datagram")
				a.metrics.RecordDroppedPacket(metrics.DropReasonFragmented)
			} else {
				a.log.Debug("dropping undecodable datagram", "error", err)
				a.metrics.RecordDroppedPacket(metrics.DropReasonDecodeError)
			}
			continue
		}

		if err := a.endpoint.Send(relay.Datagram{Target: hdr.Target, Payload: payload}); err != nil {
			a.log.Debug("failed to forward datagram to transport", "error", err)
			return
		}
		a.metrics.RecordDatagramSent()
	}
}

// egressLoop reads datagrams arriving from the transport driver (proxy ->
// client) and writes them back to the locked client source address, framed
// with a fresh SOCKS5 UDP header.
func (a *association) egressLoop() {
	for {
		dg, err := a.endpoint.Recv()
		if err != nil {
			return
		}

		a.mu.Lock()
		peer, locked := a.peer, a.locked
		a.mu.Unlock()
		if !locked {
			// Nothing has arrived from the client yet to establish where to
			// send this; drop it rather than guess a destination.
			continue
		}

		packet, err := EncodeUDPPacket(dg.Target, dg.Payload)
		if err != nil {
			a.log.Debug("failed to encode outbound datagram", "error", err)
			continue
		}

		if _, err := a.sock.WriteToUDPAddrPort(packet, peer); err != nil {
			a.log.Debug("failed to write outbound datagram", "error", err)
			return
		}
		a.metrics.RecordDatagramReceived()
		a.touch()
	}
}
