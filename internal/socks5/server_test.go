package socks5

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tuic-go/tuic/internal/address"
	"github.com/tuic-go/tuic/internal/relay"
)

// pipeStream adapts a net.Pipe side to relay.Stream for tests that stand in
// for the transport driver without a real upstream dial.
type pipeStream struct {
	net.Conn
}

func (s pipeStream) CloseWrite() error   { return nil }
func (s pipeStream) LocalAddr() net.Addr { return s.Conn.LocalAddr() }

func writeRequest(t *testing.T, conn net.Conn, command byte, target address.Address) {
	t.Helper()
	body, err := target.Encode()
	if err != nil {
		t.Fatalf("target.Encode() failed: %v", err)
	}
	req := append([]byte{Version, command, 0x00}, body...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request failed: %v", err)
	}
}

func dialAndGreet(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if _, err := conn.Write([]byte{Version, 1, AuthMethodNoAuth}); err != nil {
		t.Fatalf("write greeting failed: %v", err)
	}
	sel := make([]byte, 2)
	if _, err := conn.Read(sel); err != nil {
		t.Fatalf("read method selection failed: %v", err)
	}
	if sel[0] != Version || sel[1] != AuthMethodNoAuth {
		t.Fatalf("method selection = %v, want [%v %v]", sel, Version, AuthMethodNoAuth)
	}
	return conn
}

func TestServer_ConnectHappyPath(t *testing.T) {
	requests := relay.NewChannel(1)
	defer requests.Close()

	srv, err := NewServer(ServerConfig{Address: "127.0.0.1:0", Requests: requests})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn := dialAndGreet(t, srv.Addr())
	defer conn.Close()

	target := address.FromIP(net.ParseIP("192.0.2.1"), 80)
	writeRequest(t, conn, CmdConnect, target)

	select {
	case req := <-requests.Requests():
		if req.Command != relay.CmdConnect {
			t.Errorf("Command = %v, want relay.CmdConnect", req.Command)
		}
		upstream, serverSide := net.Pipe()
		defer upstream.Close()
		go func() {
			buf := make([]byte, 4)
			serverSide.Read(buf)
			serverSide.Write([]byte("pong"))
			serverSide.Close()
		}()
		req.Reply <- relay.Reply{Stream: pipeStream{upstream}}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the relay request")
	}

	reply := make([]byte, 10) // VER+REP+RSV+ATYP(1)+0.0.0.0(4)+port(2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply failed: %v", err)
	}
	if reply[0] != Version || reply[1] != ReplySucceeded {
		t.Fatalf("reply = %v, want [%v %v ...]", reply, Version, ReplySucceeded)
	}

	conn.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read relayed payload failed: %v", err)
	}
	if string(buf) != "pong" {
		t.Errorf("relayed payload = %q, want %q", buf, "pong")
	}
}

func TestServer_ConnectUpstreamFailure(t *testing.T) {
	requests := relay.NewChannel(1)
	defer requests.Close()

	srv, err := NewServer(ServerConfig{Address: "127.0.0.1:0", Requests: requests})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn := dialAndGreet(t, srv.Addr())
	defer conn.Close()

	target := address.FromIP(net.ParseIP("192.0.2.1"), 80)
	writeRequest(t, conn, CmdConnect, target)

	select {
	case req := <-requests.Requests():
		req.Reply <- relay.Reply{Err: &net.OpError{Op: "dial", Err: errFake{}}}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the relay request")
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply failed: %v", err)
	}
	if reply[0] != Version || reply[1] != ReplyHostUnreachable {
		t.Fatalf("reply = %v, want [%v %v ...]", reply, Version, ReplyHostUnreachable)
	}
}

func TestServer_RejectsAtMaxConnections(t *testing.T) {
	requests := relay.NewChannel(1)
	defer requests.Close()

	srv, err := NewServer(ServerConfig{Address: "127.0.0.1:0", Requests: requests, MaxConnections: 1})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	held, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer held.Close()

	// Give the acceptor a moment to register the first connection before
	// the second one arrives and should be rejected for capacity.
	time.Sleep(50 * time.Millisecond)

	rejected, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer rejected.Close()

	rejected.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := rejected.Read(buf); err == nil {
		t.Error("expected the rejected connection to be closed by the server")
	}
}

type errFake struct{}

func (errFake) Error() string { return "fake dial error" }
