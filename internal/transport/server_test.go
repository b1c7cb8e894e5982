package transport

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/tuic-go/tuic/internal/address"
	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/relay"
)

func TestHmacEqual(t *testing.T) {
	var a, b [protocol.TokenSize]byte
	a[0], a[5] = 1, 2
	b[0], b[5] = 1, 2
	if !hmacEqual(a, b) {
		t.Error("hmacEqual(a, b) = false, want true for identical tokens")
	}

	b[5] = 3
	if hmacEqual(a, b) {
		t.Error("hmacEqual(a, b) = true, want false for differing tokens")
	}
}

func TestAddressFromUDP(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.5"), Port: 5353}
	got := addressFromUDP(addr)
	if !got.IP.Equal(net.ParseIP("192.0.2.5")) || got.Port != 5353 {
		t.Errorf("addressFromUDP() = %+v, want 192.0.2.5:5353", got)
	}
}

func TestServerUDPSessions_GetOrCreateReusesSession(t *testing.T) {
	sessions := newServerUDPSessions()
	defer sessions.closeAll()

	deliver := func(relay.Datagram) {}
	a := sessions.getOrCreate(1, deliver, discardLogger())
	b := sessions.getOrCreate(1, deliver, discardLogger())
	if a != b {
		t.Error("getOrCreate returned a new session for an already-registered assoc_id")
	}

	c := sessions.getOrCreate(2, deliver, discardLogger())
	if a == c {
		t.Error("getOrCreate returned the same session for two different assoc_ids")
	}
}

func TestServerUDPSessions_Close(t *testing.T) {
	sessions := newServerUDPSessions()
	sess := sessions.getOrCreate(1, func(relay.Datagram) {}, discardLogger())

	sessions.close(1)

	if !sess.closed.Load() {
		t.Error("expected the session to be marked closed")
	}
	sessions.close(1) // closing an already-removed id must be a no-op, not a panic
}

func TestServerUDPSessions_CloseAll(t *testing.T) {
	sessions := newServerUDPSessions()
	a := sessions.getOrCreate(1, func(relay.Datagram) {}, discardLogger())
	b := sessions.getOrCreate(2, func(relay.Datagram) {}, discardLogger())

	sessions.closeAll()

	if !a.closed.Load() || !b.closed.Load() {
		t.Error("expected closeAll to close every tracked session")
	}
}

func TestServerUDPSession_SendAndReceive(t *testing.T) {
	// A loopback UDP echo server standing in for "the real upstream":
	// the session's outbound socket sends to it and its readLoop delivers
	// the echoed reply back through deliver.
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to start echo listener: %v", err)
	}
	defer echo.Close()

	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = echo.WriteToUDP(buf[:n], addr)
		}
	}()

	received := make(chan relay.Datagram, 1)
	sess := newServerUDPSession(7, func(dg relay.Datagram) {
		received <- dg
	}, discardLogger())
	defer sess.close()

	target := address.FromIP(net.IPv4(127, 0, 0, 1), uint16(echo.LocalAddr().(*net.UDPAddr).Port))
	sess.send(target, []byte("ping"))

	select {
	case dg := <-received:
		if string(dg.Payload) != "ping" {
			t.Errorf("Payload = %q, want %q", dg.Payload, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the echoed datagram")
	}
}

func TestServerUDPSession_SendAfterCloseIsNoop(t *testing.T) {
	sess := newServerUDPSession(1, func(relay.Datagram) {}, discardLogger())
	sess.close()

	// Must not panic even though the socket is gone.
	sess.send(address.FromIP(net.IPv4(127, 0, 0, 1), 53), []byte("x"))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
