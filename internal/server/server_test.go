package server

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/senlinzhan/socks4ad/internal/metrics"
	"github.com/senlinzhan/socks4ad/internal/registry"
	"github.com/senlinzhan/socks4ad/internal/resolver"
	"github.com/senlinzhan/socks4ad/internal/session"
)

func startServer(t *testing.T, opts ...Option) (*Server, context.CancelFunc) {
	t.Helper()
	reg := registry.New()
	res := resolver.New(nil)
	m := metrics.New(prometheus.NewRegistry())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := New(0, reg, res, m, log, session.Config{HandshakeBufferCap: 4096}, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound a listener")
		}
		time.Sleep(time.Millisecond)
	}
	return srv, cancel
}

func TestServer_Socks4a_ConnectsViaResolver(t *testing.T) {
	target, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer target.Close()

	targetAcceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := target.Accept()
		if err == nil {
			targetAcceptedCh <- conn
		}
	}()

	srv, cancel := startServer(t)
	defer cancel()

	client, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	targetPort := target.Addr().(*net.TCPAddr).Port

	// SOCKS4A: dst_ip = 0.0.0.1, hostname = "localhost".
	req := []byte{4, 1, byte(targetPort >> 8), byte(targetPort), 0, 0, 0, 1, 0}
	req = append(req, []byte("localhost")...)
	req = append(req, 0)
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp [8]byte
	if _, err := io.ReadFull(client, resp[:]); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if resp[0] != 0x00 || resp[1] != 0x5A {
		t.Fatalf("reply = % x, want granted", resp)
	}
	if gotPort := binary.BigEndian.Uint16(resp[2:4]); gotPort != uint16(targetPort) {
		t.Fatalf("reply port = %d, want %d", gotPort, targetPort)
	}

	targetConn := <-targetAcceptedCh
	defer targetConn.Close()

	client.Write([]byte("ping"))
	buf := make([]byte, 4)
	targetConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(targetConn, buf); err != nil {
		t.Fatalf("target read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("target got %q, want ping", buf)
	}
}

func TestServer_MaxSessions_RejectsOverCap(t *testing.T) {
	target, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer target.Close()
	go func() {
		for {
			_, err := target.Accept()
			if err != nil {
				return
			}
		}
	}()
	targetPort := target.Addr().(*net.TCPAddr).Port

	srv, cancel := startServer(t, WithMaxSessions(1))
	defer cancel()

	// First connection occupies the one available slot: complete its
	// handshake so the Session is registered before the second connects.
	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	req := []byte{4, 1, byte(targetPort >> 8), byte(targetPort), 127, 0, 0, 1, 0}
	if _, err := first.Write(req); err != nil {
		t.Fatal(err)
	}
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp [8]byte
	if _, err := io.ReadFull(first, resp[:]); err != nil {
		t.Fatalf("first session handshake reply: %v", err)
	}
	if resp[0] != 0x00 || resp[1] != 0x5A {
		t.Fatalf("first session reply = % x, want granted", resp)
	}

	// Second connection arrives while the registry is still at capacity
	// and must be closed immediately, before it ever gets a handshake
	// reply.
	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 8)
	n, err := second.Read(buf)
	if err != io.EOF || n != 0 {
		t.Fatalf("second connection: n=%d err=%v, want immediate EOF with no reply", n, err)
	}
}
