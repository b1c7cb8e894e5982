// Package relay defines the typed channel that carries SOCKS5 connection
// requests to the transport driver, and the relay-mode/congestion-control
// policy knobs the transport consumes.
package relay

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/tuic-go/tuic/internal/address"
)

// Command identifies what kind of relay a Request is asking for.
type Command uint8

const (
	// CmdConnect asks the transport to open a bidirectional byte stream to
	// the target address.
	CmdConnect Command = iota
	// CmdAssociate asks the transport to open a UDP association endpoint
	// for the target's assoc_id.
	CmdAssociate
)

// ErrGuardLost is the Reply.Err value for a request the transport dropped
// without serving it; the SOCKS5 side maps it to a general-failure reply.
// The client transport in internal/transport never sets it: a request whose
// reply never arrives ends in the SOCKS5 side's own connect timeout.
var ErrGuardLost = errors.New("relay: connection guard lost")

// Stream is a bidirectional byte stream returned for a successful Connect
// request. It composes io.ReadWriteCloser with an optional half-close.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	// CloseWrite half-closes the write side, signaling EOF to the peer
	// while leaving reads open.
	CloseWrite() error
	LocalAddr() net.Addr
}

// Datagram is one inbound or outbound UDP payload carried over an
// Associate endpoint, addressed to/from a target Endpoint Address.
type Datagram struct {
	Target  address.Address
	Payload []byte
}

// AssociateEndpoint is returned for a successful Associate request. The
// SOCKS5 UDP association manager (C3) uses it to pump datagrams in both
// directions; its lifetime is bound to the SOCKS5 control TCP stream, not
// to the endpoint itself — Close is called when the control stream ends.
type AssociateEndpoint interface {
	// Send submits one outbound datagram (ingress loop -> transport).
	Send(Datagram) error
	// Recv blocks until one inbound datagram is available (transport ->
	// egress loop), or returns an error when the endpoint is closed.
	Recv() (Datagram, error)
	Close() error
}

// Reply is delivered on a Request's one-shot reply channel.
type Reply struct {
	Stream   Stream            // set on CmdConnect success
	Endpoint AssociateEndpoint // set on CmdAssociate success
	Err      error             // set on failure; see TransportError
}

// Request is a single SOCKS5-to-transport connection request, sent over the
// bounded multi-producer/single-consumer channel described in spec §4.4.
type Request struct {
	Command Command
	Target  address.Address
	// AssocID is only meaningful for CmdAssociate; it lets the transport
	// driver route inbound datagrams back to the right egress loop.
	AssocID uint16
	Reply   chan<- Reply
}

// Channel is the bounded, asynchronous, multi-producer/single-consumer
// queue from the SOCKS5 layer to the transport driver (spec §4.4). It is a
// thin typed wrapper over a Go channel so callers get a single send/close
// contract instead of threading a bare `chan *Request` around.
type Channel struct {
	ch chan Request
}

// NewChannel creates a relay request channel with the given capacity.
func NewChannel(capacity int) *Channel {
	return &Channel{ch: make(chan Request, capacity)}
}

// Send enqueues a request, blocking if the channel is full. Returns
// ctx.Err() if ctx is canceled first, in which case the request was never
// enqueued and the caller should clean up its reply channel itself.
func (c *Channel) Send(ctx context.Context, req Request) error {
	select {
	case c.ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Requests exposes the receive side for the transport driver (the single
// consumer, expected to always drain per spec §4.4).
func (c *Channel) Requests() <-chan Request {
	return c.ch
}

// Close closes the send side. Any requests already enqueued remain
// readable; further Send calls panic per normal Go channel semantics, so
// callers must stop sending before calling Close.
func (c *Channel) Close() {
	close(c.ch)
}
