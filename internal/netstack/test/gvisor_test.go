package test

import (
	"context"
	"testing"
	"time"

	"github.com/nos-project/netcore/internal/netproto"
)

// TestGvisorPeerReachesOurUDPListener confirms gVisor's own ARP resolution
// and UDP encoding interoperate with our decoder: the peer has no a priori
// knowledge of our MAC, so a successful datagram proves the ARP exchange and
// the UDP path both match real-world wire behavior, not just each other.
func TestGvisorPeerReachesOurUDPListener(t *testing.T) {
	h := newHarness(t)

	received := make(chan []byte, 1)
	if !h.dev.RegisterUDPListener(9100, func(srcIP netproto.IPv4, srcPort uint16, payload []byte) {
		received <- append([]byte(nil), payload...)
	}) {
		t.Fatal("RegisterUDPListener failed")
	}

	ep, _ := dialPeerUDP(t, h.gs, 6000)
	writePeerUDP(t, ep, ourIPv4, 9100, []byte("hello from gvisor"))

	select {
	case payload := <-received:
		if string(payload) != "hello from gvisor" {
			t.Fatalf("payload = %q", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("listener was not invoked")
	}
}

// TestOurDeviceReachesGvisorUDPEndpoint is the same exchange in the other
// direction: our SendUDP must produce a frame gVisor's UDP receive path
// accepts.
func TestOurDeviceReachesGvisorUDPEndpoint(t *testing.T) {
	h := newHarness(t)

	ep, _ := dialPeerUDP(t, h.gs, 6001)
	if err := h.dev.SendUDP(ipv4Of(peerIPv4), 6001, 7000, []byte("hello from our device")); err != nil {
		t.Fatalf("SendUDP: %v", err)
	}

	got := readPeerUDP(t, ep, 3*time.Second)
	if string(got) != "hello from our device" {
		t.Fatalf("payload = %q", got)
	}
}

// TestGvisorDialsOurTCPListener exercises the Device's passive-open path:
// gVisor performs a real three-way handshake against our tcp.Pool listener,
// then exchanges data over it.
func TestGvisorDialsOurTCPListener(t *testing.T) {
	h := newHarness(t)

	listener, err := h.dev.TCP().Listen(8080, 1)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	accepted := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn, err := h.dev.TCP().Accept(ctx, listener)
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		buf := make([]byte, 64)
		n, err := h.dev.TCP().Recv(ctx, conn, buf)
		if err != nil {
			t.Errorf("Recv: %v", err)
		} else if string(buf[:n]) != "ping" {
			t.Errorf("server read %q, want %q", buf[:n], "ping")
		}
		if _, err := h.dev.TCP().Send(ctx, conn, []byte("pong")); err != nil {
			t.Errorf("Send: %v", err)
		}
		h.dev.TCP().Close(conn)
		close(accepted)
	}()

	conn := dialPeerTCP(t, h.gs, ourIPv4, 8080)
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("gvisor write: %v", err)
	}
	reply := readAll(t, conn, 3*time.Second)
	if string(reply) != "pong" {
		t.Fatalf("gvisor read %q, want %q", reply, "pong")
	}

	select {
	case <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("server goroutine never finished")
	}
}

// TestOurDeviceDialsGvisorTCPListener exercises the Device's active-open
// path: our tcp.Pool performs the handshake against a real gVisor listener.
func TestOurDeviceDialsGvisorTCPListener(t *testing.T) {
	h := newHarness(t)

	ln := listenPeerTCP(t, h.gs, 9090, 1)

	serverDone := make(chan string, 1)
	go func() {
		conn := ln.accept(t, 3*time.Second)
		defer conn.Close()
		got := readAll(t, conn, 3*time.Second)
		serverDone <- string(got)
		_, _ = conn.Write([]byte("ack"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := h.dev.TCP().Connect(ctx, ipv4Of(peerIPv4), 9090, 0)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := h.dev.TCP().Send(ctx, conn, []byte("from our device")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-serverDone:
		if got != "from our device" {
			t.Fatalf("gvisor server read %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("gvisor server never received data")
	}

	buf := make([]byte, 16)
	n, err := h.dev.TCP().Recv(ctx, conn, buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "ack" {
		t.Fatalf("reply = %q, want %q", buf[:n], "ack")
	}
	h.dev.TCP().Close(conn)
}
