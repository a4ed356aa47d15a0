package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/mqttcore/broker/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:       "127.0.0.1",
			Port:       0,
			BufferSize: config.DefaultBufferSize,
		},
	}
	srv, err := NewWithConfig(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			t.Logf("server stopped: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Stop() })

	deadline := time.Now().Add(time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv
}

func TestNewServer(t *testing.T) {
	srv, err := New()
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if srv.config.Server.Port != 1883 {
		t.Errorf("expected port 1883, got %d", srv.config.Server.Port)
	}
	if srv.clients == nil {
		t.Error("clients map is nil")
	}
	if srv.trie == nil {
		t.Error("trie is nil")
	}
}

func TestServerStartStop(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.Stop(); err != nil {
		t.Errorf("failed to stop server: %v", err)
	}
	// second Stop is a no-op
	if err := srv.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got: %v", err)
	}
}

func TestConnectAndPing(t *testing.T) {
	srv := newTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	connect := []byte{
		0x10, 0x0e, 0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p', 0x03, 0x02, 0x00, 0x3c, 0x00, 0x00,
	}
	if _, err := conn.Write(connect); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	connack := make([]byte, 4)
	if _, err := io.ReadFull(conn, connack); err != nil {
		t.Fatalf("read CONNACK: %v", err)
	}
	want := []byte{0x20, 0x02, 0x00, 0x00}
	for i := range want {
		if connack[i] != want[i] {
			t.Fatalf("CONNACK = %v, want %v", connack, want)
		}
	}

	if _, err := conn.Write([]byte{0xc0, 0x00}); err != nil {
		t.Fatalf("write PINGREQ: %v", err)
	}
	pingresp := make([]byte, 2)
	if _, err := io.ReadFull(conn, pingresp); err != nil {
		t.Fatalf("read PINGRESP: %v", err)
	}
	if pingresp[0] != 0xD0 || pingresp[1] != 0x00 {
		t.Errorf("PINGRESP = %v, want [D0 00]", pingresp)
	}
}

func TestSubscribeAcrossConnections(t *testing.T) {
	srv := newTestServer(t)

	sub, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("failed to connect subscriber: %v", err)
	}
	defer sub.Close()

	pub, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("failed to connect publisher: %v", err)
	}
	defer pub.Close()

	subscribe := []byte{
		0x8c, 0x0f,
		0x00, 0x01,
		0x00, 0x0a, 't', 'o', 'p', 'i', 'c', 's', '/', 'f', 'o', 'o',
		0x00,
	}
	if _, err := sub.Write(subscribe); err != nil {
		t.Fatalf("write SUBSCRIBE: %v", err)
	}
	sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	suback := make([]byte, 5)
	if _, err := io.ReadFull(sub, suback); err != nil {
		t.Fatalf("read SUBACK: %v", err)
	}

	publish := []byte{
		0x30, 0x0f,
		0x00, 0x0a, 't', 'o', 'p', 'i', 'c', 's', '/', 'f', 'o', 'o',
		0x01, 0x02, 0x03,
	}
	if _, err := pub.Write(publish); err != nil {
		t.Fatalf("write PUBLISH: %v", err)
	}

	got := make([]byte, len(publish))
	if _, err := io.ReadFull(sub, got); err != nil {
		t.Fatalf("read delivered PUBLISH: %v", err)
	}
	for i := range publish {
		if got[i] != publish[i] {
			t.Fatalf("delivered publish = %v, want verbatim %v", got, publish)
		}
	}
}

func TestDisconnectClosesSubscription(t *testing.T) {
	srv := newTestServer(t)

	c1, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c1.Close()

	subscribe := []byte{0x8c, 0x06, 0x00, 0x01, 0x00, 0x01, 't', 0x00}
	if _, err := c1.Write(subscribe); err != nil {
		t.Fatal(err)
	}
	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	suback := make([]byte, 5)
	if _, err := io.ReadFull(c1, suback); err != nil {
		t.Fatalf("read SUBACK: %v", err)
	}

	if _, err := c1.Write([]byte{0xe0, 0x00}); err != nil {
		t.Fatal(err)
	}
	// the server should close its end after DISCONNECT
	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if n, err := c1.Read(buf); err == nil && n > 0 {
		t.Fatalf("expected connection to close after DISCONNECT, read %d bytes", n)
	}
}
