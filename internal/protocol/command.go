// Package protocol implements the TUIC command frame codec (A5): the
// Authenticate, Connect, Packet, Dissociate, and Heartbeat frames exchanged
// over a QUIC connection between client and server.
//
// Every frame starts with the same fixed big-endian header:
//
//	Version [1 byte]  - protocol version, currently 0x05
//	Type    [1 byte]  - command type
//
// The remainder of each frame is command-specific with no shared outer
// length prefix; each command payload is self-delimiting (fixed-size fields
// plus a length-prefixed address or data blob), which is what lets Packet
// frames carry a variable-length payload without a redundant outer length.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/tuic-go/tuic/internal/address"
)

// Version is the only TUIC wire version this codec speaks.
const Version = 0x05

// Command type constants.
const (
	CmdAuthenticate uint8 = 0x00
	CmdConnect      uint8 = 0x01
	CmdPacket       uint8 = 0x02
	CmdDissociate   uint8 = 0x03
	CmdHeartbeat    uint8 = 0x04
)

// TokenSize is the length of the derived authentication secret carried in
// an Authenticate frame (an HMAC-like value derived from the connection's
// exported keying material and the client's password).
const TokenSize = 32

var (
	// ErrUnknownCommand is returned for a Type byte outside the known set.
	ErrUnknownCommand = errors.New("protocol: unknown command type")
	// ErrUnsupportedVersion is returned for a Version byte other than Version.
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
)

// Authenticate carries the client's identity and proof of knowledge of the
// configured password, sent once per freshly-dialed QUIC connection.
type Authenticate struct {
	UUID  uuid.UUID
	Token [TokenSize]byte
}

// Connect carries the target address for a new TCP relay.
type Connect struct {
	Target address.Address
}

// Packet carries one (possibly fragmented) UDP datagram for assoc_id.
// FragTotal/FragID follow the SOCKS5-inherited fragmentation fields, but
// per spec Non-goals this codec only ever emits FragTotal=1, FragID=0 and
// rejects anything else on decode.
type Packet struct {
	AssocID   uint16
	PacketID  uint16
	FragTotal uint8
	FragID    uint8
	Target    address.Address
	Data      []byte
}

// Dissociate tells the peer a UDP association has ended.
type Dissociate struct {
	AssocID uint16
}

// Heartbeat carries no payload; either side may send it to keep a QUIC
// connection's idle timer from expiring.
type Heartbeat struct{}

// EncodeAuthenticate writes a Version+CmdAuthenticate frame.
func EncodeAuthenticate(w io.Writer, a Authenticate) error {
	buf := make([]byte, 2+16+TokenSize)
	buf[0], buf[1] = Version, CmdAuthenticate
	copy(buf[2:18], a.UUID[:])
	copy(buf[18:], a.Token[:])
	_, err := w.Write(buf)
	return err
}

// EncodeConnect writes a Version+CmdConnect frame.
func EncodeConnect(w io.Writer, c Connect) error {
	body, err := c.Target.Encode()
	if err != nil {
		return err
	}
	buf := make([]byte, 2+len(body))
	buf[0], buf[1] = Version, CmdConnect
	copy(buf[2:], body)
	_, err = w.Write(buf)
	return err
}

// EncodePacket writes a Version+CmdPacket frame.
func EncodePacket(w io.Writer, p Packet) error {
	addrBody, err := p.Target.Encode()
	if err != nil {
		return err
	}
	head := make([]byte, 2+2+2+1+1+2)
	head[0], head[1] = Version, CmdPacket
	binary.BigEndian.PutUint16(head[2:4], p.AssocID)
	binary.BigEndian.PutUint16(head[4:6], p.PacketID)
	head[6] = p.FragTotal
	head[7] = p.FragID
	binary.BigEndian.PutUint16(head[8:10], uint16(len(p.Data)))

	if _, err := w.Write(head); err != nil {
		return err
	}
	if _, err := w.Write(addrBody); err != nil {
		return err
	}
	_, err = w.Write(p.Data)
	return err
}

// EncodeDissociate writes a Version+CmdDissociate frame.
func EncodeDissociate(w io.Writer, d Dissociate) error {
	buf := make([]byte, 4)
	buf[0], buf[1] = Version, CmdDissociate
	binary.BigEndian.PutUint16(buf[2:4], d.AssocID)
	_, err := w.Write(buf)
	return err
}

// EncodeHeartbeat writes a Version+CmdHeartbeat frame.
func EncodeHeartbeat(w io.Writer) error {
	_, err := w.Write([]byte{Version, CmdHeartbeat})
	return err
}

// ReadCommand reads the 2-byte header shared by every frame and returns the
// command type for the caller to dispatch on; the rest of the frame is
// still unread on r.
func ReadCommand(r io.Reader) (uint8, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, err
	}
	if header[0] != Version {
		return 0, fmt.Errorf("%w: %#x", ErrUnsupportedVersion, header[0])
	}
	switch header[1] {
	case CmdAuthenticate, CmdConnect, CmdPacket, CmdDissociate, CmdHeartbeat:
		return header[1], nil
	default:
		return 0, fmt.Errorf("%w: %#x", ErrUnknownCommand, header[1])
	}
}

// DecodeAuthenticate reads an Authenticate payload following a header
// already consumed by ReadCommand.
func DecodeAuthenticate(r io.Reader) (Authenticate, error) {
	buf := make([]byte, 16+TokenSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Authenticate{}, err
	}
	var a Authenticate
	copy(a.UUID[:], buf[:16])
	copy(a.Token[:], buf[16:])
	return a, nil
}

// DecodeConnect reads a Connect payload following a header already
// consumed by ReadCommand. Because the address codec is self-delimiting
// only given a known total length, this reads the ATYP byte first to
// determine how many more bytes to pull.
func DecodeConnect(r io.Reader) (Connect, error) {
	target, err := readAddressFrame(r)
	if err != nil {
		return Connect{}, err
	}
	return Connect{Target: target}, nil
}

// DecodePacket reads a Packet payload following a header already consumed
// by ReadCommand.
func DecodePacket(r io.Reader) (Packet, error) {
	head := make([]byte, 2+2+1+1+2)
	if _, err := io.ReadFull(r, head); err != nil {
		return Packet{}, err
	}
	p := Packet{
		AssocID:   binary.BigEndian.Uint16(head[0:2]),
		PacketID:  binary.BigEndian.Uint16(head[2:4]),
		FragTotal: head[4],
		FragID:    head[5],
	}
	dataLen := binary.BigEndian.Uint16(head[6:8])

	target, err := readAddressFrame(r)
	if err != nil {
		return Packet{}, err
	}
	p.Target = target

	p.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(r, p.Data); err != nil {
		return Packet{}, err
	}
	if p.FragTotal != 1 || p.FragID != 0 {
		return Packet{}, fmt.Errorf("protocol: fragmented packet (frag %d of %d) not supported", p.FragID, p.FragTotal)
	}
	return p, nil
}

// DecodeDissociate reads a Dissociate payload following a header already
// consumed by ReadCommand.
func DecodeDissociate(r io.Reader) (Dissociate, error) {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Dissociate{}, err
	}
	return Dissociate{AssocID: binary.BigEndian.Uint16(buf)}, nil
}

// readAddressFrame reads one ATYP-tagged address (IPv4, IPv6, or domain)
// plus its trailing port from r, mirroring the SOCKS5 wire codec's
// per-type body sizes since TUIC reuses the same ATYP encoding.
func readAddressFrame(r io.Reader) (address.Address, error) {
	atyp := make([]byte, 1)
	if _, err := io.ReadFull(r, atyp); err != nil {
		return address.Address{}, err
	}

	switch address.Type(atyp[0]) {
	case address.TypeIPv4:
		body := make([]byte, 4+2)
		if _, err := io.ReadFull(r, body); err != nil {
			return address.Address{}, err
		}
		a, _, err := address.Decode(append(atyp, body...))
		return a, err

	case address.TypeIPv6:
		body := make([]byte, 16+2)
		if _, err := io.ReadFull(r, body); err != nil {
			return address.Address{}, err
		}
		a, _, err := address.Decode(append(atyp, body...))
		return a, err

	case address.TypeDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(r, lenByte); err != nil {
			return address.Address{}, err
		}
		n := int(lenByte[0])
		rest := make([]byte, n+2)
		if _, err := io.ReadFull(r, rest); err != nil {
			return address.Address{}, err
		}
		full := append(atyp, lenByte[0])
		full = append(full, rest...)
		a, _, err := address.Decode(full)
		return a, err

	default:
		return address.Address{}, address.ErrUnknownType
	}
}
