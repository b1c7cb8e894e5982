// Package socks5 implements the SOCKS5 ingress: the v5 handshake, CONNECT
// and UDP ASSOCIATE command dispatch, the TCP relay task, and the UDP
// association manager. See auth.go for RFC 1929 username/password
// authentication.
package socks5

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/tuic-go/tuic/internal/address"
)

// SOCKS5 version and command/reply constants, RFC 1928.
const (
	Version = 0x05

	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03

	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// zeroAddress is used for replies that need a bound address but have none to
// report, e.g. ReplyCmdNotSupported.
var zeroAddress = address.FromIP(net.IPv4zero, 0)

// DecodeError is returned for any malformed or unrecognized wire value
// (bad VER, unknown CMD, unknown ATYP, unknown METHODS) per spec §4.5: the
// caller discards the connection on any DecodeError.
type DecodeError struct {
	Field string
	Value int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("socks5: decode error: unsupported %s %#x", e.Field, e.Value)
}

// Greeting is the client's method-negotiation request.
//
//	+----+----------+----------+
//	|VER | NMETHODS | METHODS  |
//	+----+----------+----------+
type Greeting struct {
	Methods []byte
}

// ReadGreeting reads and validates the method-negotiation greeting.
func ReadGreeting(r io.Reader) (*Greeting, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != Version {
		return nil, &DecodeError{Field: "VER", Value: int(header[0])}
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, err
	}
	for _, m := range methods {
		if m != AuthMethodNoAuth && m != AuthMethodGSSAPI && m != AuthMethodUserPass {
			return nil, &DecodeError{Field: "METHODS", Value: int(m)}
		}
	}
	return &Greeting{Methods: methods}, nil
}

// WriteMethodSelection writes the server's chosen method, or
// AuthMethodNoAcceptable if none matched.
func WriteMethodSelection(w io.Writer, method byte) error {
	_, err := w.Write([]byte{Version, method})
	return err
}

// Request is a parsed SOCKS5 command request.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
type Request struct {
	Command byte
	Target  address.Address
}

// ReadRequest reads a command request following a successful handshake.
func ReadRequest(r io.Reader) (*Request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != Version {
		return nil, &DecodeError{Field: "VER", Value: int(header[0])}
	}
	switch header[1] {
	case CmdConnect, CmdBind, CmdUDPAssociate:
	default:
		return nil, &DecodeError{Field: "CMD", Value: int(header[1])}
	}

	target, err := readAddress(r, header[3])
	if err != nil {
		return nil, err
	}

	return &Request{Command: header[1], Target: target}, nil
}

// readAddress reads an ATYP byte's worth of address body plus the trailing
// port, given the ATYP byte already consumed from the header.
func readAddress(r io.Reader, atyp byte) (address.Address, error) {
	switch address.Type(atyp) {
	case address.TypeIPv4:
		buf := make([]byte, 4+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return address.Address{}, err
		}
		a, _, err := address.Decode(append([]byte{atyp}, buf...))
		return a, err

	case address.TypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return address.Address{}, err
		}
		n := int(lenBuf[0])
		if n == 0 {
			return address.Address{}, errors.New("socks5: zero-length domain name")
		}
		body := make([]byte, n+2)
		if _, err := io.ReadFull(r, body); err != nil {
			return address.Address{}, err
		}
		full := append([]byte{atyp}, lenBuf[0])
		full = append(full, body...)
		a, _, err := address.Decode(full)
		return a, err

	case address.TypeIPv6:
		buf := make([]byte, 16+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return address.Address{}, err
		}
		a, _, err := address.Decode(append([]byte{atyp}, buf...))
		return a, err

	default:
		return address.Address{}, &DecodeError{Field: "ATYP", Value: int(atyp)}
	}
}

// WriteReply writes a SOCKS5 reply with the given bound address.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
//	+----+-----+-------+------+----------+----------+
func WriteReply(w io.Writer, reply byte, bound address.Address) error {
	body, err := bound.Encode()
	if err != nil {
		// A zero-value Address (e.g. the caller has no real bound address to
		// report because the upstream connect failed) still needs a valid
		// reply; fall back to the conventional 0.0.0.0:0 encoding.
		body, _ = address.FromIP(net.IPv4zero, 0).Encode()
	}

	buf := make([]byte, 2+1+len(body))
	buf[0], buf[1], buf[2] = Version, reply, 0
	copy(buf[3:], body)
	_, werr := w.Write(buf)
	return werr
}

// UDPHeader is the 2-byte-reserved + 1-byte-fragment + address header that
// precedes every SOCKS5 UDP datagram's payload (RFC 1928 §7).
type UDPHeader struct {
	Frag   byte
	Target address.Address
}

// ErrFragmented is returned by DecodeUDPPacket for any nonzero FRAG byte;
// per spec §3/§4.3, fragmentation is rejected outright, never reassembled.
var ErrFragmented = errors.New("socks5: fragmented UDP datagrams are not supported")

// DecodeUDPPacket parses the RSV/FRAG/ATYP/address header from a raw UDP
// datagram and returns the header and the remaining payload.
func DecodeUDPPacket(data []byte) (*UDPHeader, []byte, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("socks5: UDP packet shorter than header")
	}
	// data[0:2] is RSV, ignored.
	frag := data[2]
	atyp := data[3]

	if frag != 0 {
		return nil, nil, ErrFragmented
	}

	addr, n, err := address.Decode(data[3:])
	if err != nil {
		if errors.Is(err, address.ErrUnknownType) {
			return nil, nil, &DecodeError{Field: "ATYP", Value: int(atyp)}
		}
		return nil, nil, err
	}

	return &UDPHeader{Frag: frag, Target: addr}, data[3+n:], nil
}

// EncodeUDPPacket serializes a SOCKS5 UDP datagram with FRAG=0 and the
// given source/destination address, followed by payload.
func EncodeUDPPacket(target address.Address, payload []byte) ([]byte, error) {
	body, err := target.Encode()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 2+1+len(body)+len(payload))
	// buf[0:2] RSV = 0, buf[2] FRAG = 0
	copy(buf[3:], body)
	copy(buf[3+len(body):], payload)
	return buf, nil
}
