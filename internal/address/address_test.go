package address

import (
	"net"
	"net/netip"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip_IPv4(t *testing.T) {
	a := FromIP(net.ParseIP("192.0.2.1"), 8080)

	buf, err := a.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if n != len(buf) {
		t.Errorf("Decode consumed %d bytes, want %d", n, len(buf))
	}
	if got.Type != TypeIPv4 {
		t.Errorf("Type = %v, want TypeIPv4", got.Type)
	}
	if !got.IP.Equal(net.ParseIP("192.0.2.1")) {
		t.Errorf("IP = %v, want 192.0.2.1", got.IP)
	}
	if got.Port != 8080 {
		t.Errorf("Port = %d, want 8080", got.Port)
	}
}

func TestEncodeDecodeRoundTrip_IPv6(t *testing.T) {
	a := FromIP(net.ParseIP("2001:db8::1"), 443)

	buf, err := a.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if n != len(buf) {
		t.Errorf("Decode consumed %d bytes, want %d", n, len(buf))
	}
	if got.Type != TypeIPv6 {
		t.Errorf("Type = %v, want TypeIPv6", got.Type)
	}
	if !got.IP.Equal(net.ParseIP("2001:db8::1")) {
		t.Errorf("IP = %v, want 2001:db8::1", got.IP)
	}
}

func TestEncodeDecodeRoundTrip_Domain(t *testing.T) {
	a, err := FromDomain("example.com", 443)
	if err != nil {
		t.Fatalf("FromDomain failed: %v", err)
	}

	buf, err := a.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if n != len(buf) {
		t.Errorf("Decode consumed %d bytes, want %d", n, len(buf))
	}
	if got.Type != TypeDomain {
		t.Errorf("Type = %v, want TypeDomain", got.Type)
	}
	if got.Domain != "example.com" {
		t.Errorf("Domain = %q, want example.com", got.Domain)
	}
	if got.Port != 443 {
		t.Errorf("Port = %d, want 443", got.Port)
	}
}

func TestFromDomain_TooLong(t *testing.T) {
	long := strings.Repeat("a", 256)
	if _, err := FromDomain(long, 80); err != ErrDomainTooLong {
		t.Errorf("err = %v, want ErrDomainTooLong", err)
	}
}

func TestDecode_Truncated(t *testing.T) {
	cases := [][]byte{
		{},
		{byte(TypeIPv4), 1, 2, 3},
		{byte(TypeIPv6), 1, 2, 3},
		{byte(TypeDomain)},
		{byte(TypeDomain), 5, 'h', 'i'},
	}
	for _, buf := range cases {
		if _, _, err := Decode(buf); err != ErrTruncated {
			t.Errorf("Decode(%v) err = %v, want ErrTruncated", buf, err)
		}
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, _, err := Decode([]byte{0xFF, 0, 0}); err != ErrUnknownType {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestAddress_String(t *testing.T) {
	a := FromIP(net.ParseIP("192.0.2.1"), 8080)
	if got, want := a.String(), "192.0.2.1:8080"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	d, _ := FromDomain("example.com", 443)
	if got, want := d.HostPort(), "example.com:443"; got != want {
		t.Errorf("HostPort() = %q, want %q", got, want)
	}
}

func TestNormalizeIP(t *testing.T) {
	mapped := net.ParseIP("::ffff:192.0.2.1")
	plain := net.ParseIP("192.0.2.1")

	if !NormalizeIP(mapped).Equal(NormalizeIP(plain)) {
		t.Error("expected v4-mapped and plain v4 addresses to normalize equal")
	}
}

func TestNormalizeAddrPort(t *testing.T) {
	mapped := netip.MustParseAddrPort("[::ffff:192.0.2.1]:80")
	plain := netip.MustParseAddrPort("192.0.2.1:80")

	if NormalizeAddrPort(mapped) != NormalizeAddrPort(plain) {
		t.Errorf("NormalizeAddrPort(%v) = %v, want %v", mapped, NormalizeAddrPort(mapped), plain)
	}
}
