package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/metrics"
)

type nopHandler struct{}

func (nopHandler) HandleMessage(*Message, *Channel) {}

func newTestListener(t *testing.T, config ListenerConfig) *Listener {
	t.Helper()

	if config.BindAddr == "" {
		config.BindAddr = "127.0.0.1:0"
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 5 * time.Second
	}

	listener := NewListener(config, nil, nopHandler{}, metrics.NopTransportMetrics(), common.NewTestEntry(t, "listener"))
	if err := listener.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(listener.Stop)
	return listener
}

func waitCount(t *testing.T, listener *Listener, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if listener.ConnectionCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connection count is %d, want %d", listener.ConnectionCount(), want)
}

func TestListenerAccepts(t *testing.T) {
	listener := newTestListener(t, ListenerConfig{
		MaxInbound:        8,
		MaxPeersPerIP:     8,
		MaxPeersPerSubnet: 8,
	})

	accepted := make(chan *Channel, 1)
	listener.ConnectionAccepted.Add(func(channel *Channel) {
		accepted <- channel
	})

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not accepted")
	}
	waitCount(t, listener, 1)
}

func TestListenerMaxPeersPerIP(t *testing.T) {
	listener := newTestListener(t, ListenerConfig{
		MaxInbound:        8,
		MaxPeersPerIP:     1,
		MaxPeersPerSubnet: 8,
	})

	first, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	waitCount(t, listener, 1)

	//The second connection from the same IP is shut down by the listener
	second, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF on rejected connection, got %v", err)
	}
	if listener.ConnectionCount() != 1 {
		t.Fatalf("connection count is %d, want 1", listener.ConnectionCount())
	}
}

func TestListenerMaxInbound(t *testing.T) {
	listener := newTestListener(t, ListenerConfig{
		MaxInbound:        2,
		MaxPeersPerIP:     8,
		MaxPeersPerSubnet: 8,
	})

	var conns []net.Conn
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	for i := 0; i < 4; i++ {
		conn, err := net.Dial("tcp", listener.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, conn)
	}

	waitCount(t, listener, 2)

	//The acceptor parks while the table is full; the cap is never
	//exceeded
	time.Sleep(300 * time.Millisecond)
	if count := listener.ConnectionCount(); count > 2 {
		t.Fatalf("connection count %d exceeds the cap", count)
	}
}

func TestListenerExcluded(t *testing.T) {
	listener := newTestListener(t, ListenerConfig{
		MaxInbound:        8,
		MaxPeersPerIP:     8,
		MaxPeersPerSubnet: 8,
		Excluded:          []string{"127.0.0.1"},
	})

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF on excluded connection, got %v", err)
	}
	if listener.ConnectionCount() != 0 {
		t.Fatal("excluded peer was registered")
	}
}

func TestListenerCleanupSweepsDeadConnections(t *testing.T) {
	listener := newTestListener(t, ListenerConfig{
		MaxInbound:        8,
		MaxPeersPerIP:     8,
		MaxPeersPerSubnet: 8,
		IdleTimeout:       200 * time.Millisecond,
	})

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	waitCount(t, listener, 1)

	//Closing the client ends the server read loop; the sweep removes the
	//entry within a few cycles
	conn.Close()
	waitCount(t, listener, 0)
}
