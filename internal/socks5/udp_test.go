package socks5

import (
	"net"
	"net/netip"
	"testing"

	"github.com/tuic-go/tuic/internal/relay"
)

// fakeEndpoint is a no-op relay.AssociateEndpoint for association-table
// tests that don't exercise the ingress/egress loops.
type fakeEndpoint struct{ closed bool }

func (e *fakeEndpoint) Send(relay.Datagram) error     { return nil }
func (e *fakeEndpoint) Recv() (relay.Datagram, error) { select {} }
func (e *fakeEndpoint) Close() error                  { e.closed = true; return nil }

func newTestAssociation(t *testing.T, id uint16) *association {
	t.Helper()
	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("failed to bind test socket: %v", err)
	}
	return &association{id: id, sock: sock, endpoint: &fakeEndpoint{}}
}

func TestAssociation_LockOrVerify(t *testing.T) {
	a := newTestAssociation(t, 1)
	defer a.sock.Close()

	first := netip.MustParseAddrPort("192.0.2.1:5000")
	if !a.lockOrVerify(first) {
		t.Fatal("expected the first datagram to lock the peer")
	}

	if !a.lockOrVerify(first) {
		t.Error("expected the same peer to re-verify successfully")
	}

	other := netip.MustParseAddrPort("192.0.2.2:5000")
	if a.lockOrVerify(other) {
		t.Error("expected a different peer to be rejected once locked")
	}
}

func TestAssociation_LockOrVerify_V4MappedNormalizes(t *testing.T) {
	a := newTestAssociation(t, 1)
	defer a.sock.Close()

	plain := netip.MustParseAddrPort("192.0.2.1:5000")
	mapped := netip.MustParseAddrPort("[::ffff:192.0.2.1]:5000")

	if !a.lockOrVerify(plain) {
		t.Fatal("expected the first datagram to lock the peer")
	}
	if !a.lockOrVerify(mapped) {
		t.Error("expected a v4-mapped form of the locked peer to verify successfully")
	}
}

func TestAssociationManager_AllocateIDIsUnique(t *testing.T) {
	m := newAssociationManager(relay.NewChannel(1), 0, nil, nil)
	seen := make(map[uint16]bool)
	for i := 0; i < 10; i++ {
		id := m.allocateID()
		if seen[id] {
			t.Fatalf("allocateID returned a duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestAssociationManager_RegisterUnregister(t *testing.T) {
	m := newAssociationManager(relay.NewChannel(1), 0, nil, nil)
	a := newTestAssociation(t, 1)
	defer a.sock.Close()

	m.register(a)
	m.mu.RLock()
	_, ok := m.assocs[1]
	m.mu.RUnlock()
	if !ok {
		t.Fatal("expected the association to be registered")
	}

	m.unregister(1)
	m.mu.RLock()
	_, ok = m.assocs[1]
	m.mu.RUnlock()
	if ok {
		t.Error("expected the association to be unregistered")
	}
}

func TestAssociationManager_CloseAll(t *testing.T) {
	m := newAssociationManager(relay.NewChannel(1), 0, nil, nil)
	a1 := newTestAssociation(t, 1)
	a2 := newTestAssociation(t, 2)
	m.register(a1)
	m.register(a2)

	m.closeAll()

	m.mu.RLock()
	n := len(m.assocs)
	m.mu.RUnlock()
	if n != 0 {
		t.Errorf("assocs left after closeAll = %d, want 0", n)
	}
	if !a1.endpoint.(*fakeEndpoint).closed || !a2.endpoint.(*fakeEndpoint).closed {
		t.Error("expected closeAll to close every association's endpoint")
	}
}

func TestNewAssociationManager_Defaults(t *testing.T) {
	m := newAssociationManager(relay.NewChannel(1), 0, nil, nil)
	if m.maxDatagramSize != defaultMaxDatagramSize {
		t.Errorf("maxDatagramSize = %d, want %d", m.maxDatagramSize, defaultMaxDatagramSize)
	}
	if m.log == nil {
		t.Error("expected a default logger to be set")
	}
	if m.metrics == nil {
		t.Error("expected default metrics to be set")
	}
}
