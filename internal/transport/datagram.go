package transport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/relay"
)

// ErrEndpointClosed is returned from a closed datagramEndpoint's Recv.
var ErrEndpointClosed = errors.New("transport: associate endpoint closed")

// datagramDemux fans QUIC unreliable datagrams in on one shared connection
// out to the per-assoc_id channel UDPModeNative associations read from, and
// multiplexes outbound Packet frames from every association back onto the
// same connection. One demux exists per QUIC connection.
type datagramDemux struct {
	conn quic.Connection

	mu       sync.RWMutex
	inboxes  map[uint16]chan relay.Datagram
	closed   bool
	packetID atomic.Uint32
}

func newDatagramDemux(conn quic.Connection) *datagramDemux {
	return &datagramDemux{conn: conn, inboxes: make(map[uint16]chan relay.Datagram)}
}

// run reads inbound datagrams until the connection closes, decoding each as
// a Packet frame and routing it to the registered assoc_id's inbox.
func (d *datagramDemux) run(log *slog.Logger) {
	for {
		raw, err := d.conn.ReceiveDatagram(context.Background())
		if err != nil {
			d.shutdown()
			return
		}

		r := bytes.NewReader(raw)
		cmd, err := protocol.ReadCommand(r)
		if err != nil || cmd != protocol.CmdPacket {
			log.Debug("dropping non-packet datagram", "error", err)
			continue
		}
		pkt, err := protocol.DecodePacket(r)
		if err != nil {
			log.Debug("dropping undecodable packet datagram", "error", err)
			continue
		}

		d.mu.RLock()
		inbox, ok := d.inboxes[pkt.AssocID]
		d.mu.RUnlock()
		if !ok {
			continue
		}

		select {
		case inbox <- relay.Datagram{Target: pkt.Target, Payload: pkt.Data}:
		default:
			log.Debug("dropping packet, inbox full", "assoc_id", pkt.AssocID)
		}
	}
}

func (d *datagramDemux) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, ch := range d.inboxes {
		close(ch)
		delete(d.inboxes, id)
	}
}

// register creates the inbox for a new association and returns the
// endpoint the UDP association manager will Send/Recv through.
func (d *datagramDemux) register(assocID uint16) relay.AssociateEndpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	inbox := make(chan relay.Datagram, 64)
	d.inboxes[assocID] = inbox
	return &datagramEndpoint{demux: d, assocID: assocID, inbox: inbox}
}

func (d *datagramDemux) unregister(assocID uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.inboxes[assocID]; ok {
		close(ch)
		delete(d.inboxes, assocID)
	}
}

// datagramEndpoint implements relay.AssociateEndpoint over the shared QUIC
// connection's unreliable datagram channel (UDPModeNative).
type datagramEndpoint struct {
	demux   *datagramDemux
	assocID uint16
	inbox   chan relay.Datagram
}

func (e *datagramEndpoint) Send(dg relay.Datagram) error {
	var buf bytes.Buffer
	err := protocol.EncodePacket(&buf, protocol.Packet{
		AssocID:   e.assocID,
		PacketID:  uint16(e.demux.packetID.Add(1)),
		FragTotal: 1,
		FragID:    0,
		Target:    dg.Target,
		Data:      dg.Payload,
	})
	if err != nil {
		return err
	}
	return e.demux.conn.SendDatagram(buf.Bytes())
}

func (e *datagramEndpoint) Recv() (relay.Datagram, error) {
	dg, ok := <-e.inbox
	if !ok {
		return relay.Datagram{}, ErrEndpointClosed
	}
	return dg, nil
}

func (e *datagramEndpoint) Close() error {
	e.demux.unregister(e.assocID)
	return nil
}

// streamAssociateEndpoint implements relay.AssociateEndpoint over a single
// dedicated QUIC stream (UDPModeQUIC): every Packet frame is length-framed
// implicitly by the Packet codec's own data-length field, giving reliable,
// ordered delivery at the cost of head-of-line blocking across datagrams
// sharing the stream.
type streamAssociateEndpoint struct {
	stream   quic.Stream
	assocID  uint16
	packetID atomic.Uint32
}

func newStreamAssociateEndpoint(ctx context.Context, conn quic.Connection, assocID uint16) (relay.AssociateEndpoint, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &streamAssociateEndpoint{stream: stream, assocID: assocID}, nil
}

func (e *streamAssociateEndpoint) Send(dg relay.Datagram) error {
	return protocol.EncodePacket(e.stream, protocol.Packet{
		AssocID:   e.assocID,
		PacketID:  uint16(e.packetID.Add(1)),
		FragTotal: 1,
		FragID:    0,
		Target:    dg.Target,
		Data:      dg.Payload,
	})
}

func (e *streamAssociateEndpoint) Recv() (relay.Datagram, error) {
	cmd, err := protocol.ReadCommand(e.stream)
	if err != nil {
		return relay.Datagram{}, err
	}
	if cmd != protocol.CmdPacket {
		return relay.Datagram{}, errors.New("transport: expected packet frame on associate stream")
	}
	pkt, err := protocol.DecodePacket(e.stream)
	if err != nil {
		return relay.Datagram{}, err
	}
	return relay.Datagram{Target: pkt.Target, Payload: pkt.Data}, nil
}

func (e *streamAssociateEndpoint) Close() error {
	e.stream.CancelRead(0)
	return e.stream.Close()
}
