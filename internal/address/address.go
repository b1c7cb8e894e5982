// Package address implements the endpoint address tagged union shared by the
// SOCKS5 wire codec and the TUIC command frame codec: an IPv4 address, an
// IPv6 address, or a domain name, each carrying a port.
package address

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Type identifies which variant of Address is populated.
type Type uint8

// Address type constants, matching SOCKS5 ATYP values (RFC 1928 §5) so the
// wire codec can use them directly.
const (
	TypeIPv4   Type = 0x01
	TypeDomain Type = 0x03
	TypeIPv6   Type = 0x04
)

var (
	// ErrDomainTooLong is returned when a domain name exceeds 255 bytes.
	ErrDomainTooLong = errors.New("address: domain name exceeds 255 bytes")
	// ErrUnknownType is returned for an ATYP value outside {1, 3, 4}.
	ErrUnknownType = errors.New("address: unsupported address type")
	// ErrTruncated is returned when a buffer ends before an address is fully read.
	ErrTruncated = errors.New("address: truncated while decoding")
)

// Address is a tagged union over {IPv4, IPv6, Domain}, each with a port.
type Address struct {
	Type   Type
	IP     net.IP // set when Type is TypeIPv4 or TypeIPv6
	Domain string // set when Type is TypeDomain, UTF-8, <= 255 bytes
	Port   uint16
}

// FromIP builds an Address from a net.IP and port, choosing IPv4 or IPv6
// based on whether the IP has a 4-byte form.
func FromIP(ip net.IP, port uint16) Address {
	if v4 := ip.To4(); v4 != nil {
		return Address{Type: TypeIPv4, IP: v4, Port: port}
	}
	return Address{Type: TypeIPv6, IP: ip.To16(), Port: port}
}

// FromDomain builds a domain Address. Returns ErrDomainTooLong if name is
// longer than 255 bytes.
func FromDomain(name string, port uint16) (Address, error) {
	if len(name) > 255 {
		return Address{}, ErrDomainTooLong
	}
	return Address{Type: TypeDomain, Domain: name, Port: port}, nil
}

// String renders "host:port" the way net.JoinHostPort would.
func (a Address) String() string {
	host := a.Domain
	if a.Type == TypeIPv4 || a.Type == TypeIPv6 {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", a.Port))
}

// HostPort returns the target in "host:port" form suitable for net.Dial.
func (a Address) HostPort() string {
	return a.String()
}

// Encode serializes the address as ATYP + address-body, matching RFC 1928
// §5's DST.ADDR encoding (used identically by both the SOCKS5 request/reply
// codec and the TUIC Connect/Packet command payloads).
func (a Address) Encode() ([]byte, error) {
	switch a.Type {
	case TypeIPv4:
		v4 := a.IP.To4()
		if v4 == nil {
			return nil, fmt.Errorf("address: IPv4 type with non-v4 IP %v", a.IP)
		}
		buf := make([]byte, 1+4+2)
		buf[0] = byte(TypeIPv4)
		copy(buf[1:], v4)
		binary.BigEndian.PutUint16(buf[5:], a.Port)
		return buf, nil

	case TypeIPv6:
		v6 := a.IP.To16()
		if v6 == nil {
			return nil, fmt.Errorf("address: IPv6 type with invalid IP %v", a.IP)
		}
		buf := make([]byte, 1+16+2)
		buf[0] = byte(TypeIPv6)
		copy(buf[1:], v6)
		binary.BigEndian.PutUint16(buf[17:], a.Port)
		return buf, nil

	case TypeDomain:
		if len(a.Domain) > 255 {
			return nil, ErrDomainTooLong
		}
		buf := make([]byte, 1+1+len(a.Domain)+2)
		buf[0] = byte(TypeDomain)
		buf[1] = byte(len(a.Domain))
		copy(buf[2:], a.Domain)
		binary.BigEndian.PutUint16(buf[2+len(a.Domain):], a.Port)
		return buf, nil

	default:
		return nil, ErrUnknownType
	}
}

// Decode reads one ATYP + address-body + port from buf (no leading RSV/FRAG
// bytes), returning the address and the number of bytes consumed.
func Decode(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, ErrTruncated
	}

	switch Type(buf[0]) {
	case TypeIPv4:
		if len(buf) < 1+4+2 {
			return Address{}, 0, ErrTruncated
		}
		ip := net.IP(append([]byte(nil), buf[1:5]...))
		port := binary.BigEndian.Uint16(buf[5:7])
		return Address{Type: TypeIPv4, IP: ip, Port: port}, 7, nil

	case TypeIPv6:
		if len(buf) < 1+16+2 {
			return Address{}, 0, ErrTruncated
		}
		ip := net.IP(append([]byte(nil), buf[1:17]...))
		port := binary.BigEndian.Uint16(buf[17:19])
		return Address{Type: TypeIPv6, IP: ip, Port: port}, 19, nil

	case TypeDomain:
		if len(buf) < 2 {
			return Address{}, 0, ErrTruncated
		}
		n := int(buf[1])
		if len(buf) < 2+n+2 {
			return Address{}, 0, ErrTruncated
		}
		domain := string(buf[2 : 2+n])
		port := binary.BigEndian.Uint16(buf[2+n : 4+n])
		return Address{Type: TypeDomain, Domain: domain, Port: port}, 4 + n, nil

	default:
		return Address{}, 0, ErrUnknownType
	}
}

// NormalizeIP canonicalizes an IP for source-address comparison: an
// IPv4-mapped IPv6 address (::ffff:a.b.c.d) compares equal to the plain
// IPv4 address a.b.c.d. Both sides of a comparison must be normalized with
// this function for the comparison to be meaningful.
func NormalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// NormalizeAddrPort canonicalizes a netip.AddrPort for source-address
// comparison the same way NormalizeIP does, unmapping a v4-in-v6 address.
func NormalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	addr := ap.Addr()
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return netip.AddrPortFrom(addr, ap.Port())
}
