package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/metrics"
)

//tcpPair returns two ends of a loopback TCP connection
func tcpPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server, err = listener.Accept()
	}()

	client, err = net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	<-done
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

func newTestChannel(t *testing.T, conn net.Conn, limiter *OutboundLimiter) *Channel {
	t.Helper()
	return NewChannel(conn, limiter, metrics.NopTransportMetrics(), common.NewTestEntry(t, "channel"))
}

func TestChannelSendOrder(t *testing.T) {
	client, server := tcpPair(t)
	defer server.Close()

	channel := newTestChannel(t, client, nil)
	defer channel.Close()

	payload := []byte{'a', 'b', 'c'}
	var wg sync.WaitGroup
	for _, b := range payload {
		wg.Add(1)
		if !channel.Send([]byte{b}, TrafficGeneric, func(err error) {
			if err != nil {
				t.Errorf("send failed: %v", err)
			}
			wg.Done()
		}) {
			t.Fatal("send dropped")
		}
	}
	wg.Wait()

	buf := make([]byte, 3)
	server.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := readFull(server, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "abc" {
		t.Fatalf("writes out of order: %q", buf)
	}

	if channel.LastPacketSent().IsZero() {
		t.Fatal("last packet sent not recorded")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func TestChannelQueueCap(t *testing.T) {
	client, server := tcpPair(t)
	defer server.Close()

	//A starving limiter wedges the sender so the queue backs up
	limiter := NewOutboundLimiter(OutboundLimiterConfig{StandardLimit: 1, StandardBurst: 1})
	channel := newTestChannel(t, client, limiter)
	defer channel.Close()

	//Wedge the sender on a single entry so the queue backs up behind it
	channel.Send([]byte{0}, TrafficGeneric, nil)
	deadline := time.Now().Add(5 * time.Second)
	for channel.QueueSize(TrafficGeneric) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if channel.QueueSize(TrafficGeneric) != 0 {
		t.Fatal("sender never picked up the first entry")
	}

	for i := 0; i < sendQueueMaxSize; i++ {
		if !channel.Send([]byte{0}, TrafficGeneric, nil) {
			t.Fatalf("send %d dropped below the cap", i)
		}
	}

	callbackFired := false
	if channel.Send([]byte{0}, TrafficGeneric, func(error) { callbackFired = true }) {
		t.Fatal("send above the cap should be dropped")
	}
	if callbackFired {
		t.Fatal("dropped sends must not invoke the callback")
	}

	//Other traffic types are unaffected
	if !channel.Send([]byte{0}, TrafficBootstrap, nil) {
		t.Fatal("send on another traffic type dropped")
	}
}

func TestChannelCloseAborts(t *testing.T) {
	client, server := tcpPair(t)
	defer server.Close()

	limiter := NewOutboundLimiter(OutboundLimiterConfig{StandardLimit: 1, StandardBurst: 1})
	channel := newTestChannel(t, client, limiter)

	var mu sync.Mutex
	var errs []error
	for i := 0; i < 32; i++ {
		channel.Send([]byte{0}, TrafficGeneric, func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		})
	}

	channel.Close()

	if channel.Alive() {
		t.Fatal("channel should be dead after close")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 32 {
		t.Fatalf("%d callbacks fired, want 32", len(errs))
	}
	for _, err := range errs {
		if err == nil {
			t.Fatal("queued sends must complete with an error on close")
		}
	}

	//Sends after close are refused
	if channel.Send([]byte{0}, TrafficGeneric, nil) {
		t.Fatal("send after close should be dropped")
	}
}

func TestChannelTrafficPriorities(t *testing.T) {
	if TrafficBlockBroadcast.queuePriority() != 1 {
		t.Fatal("block broadcast priority should be 1")
	}
	if TrafficVoteRebroadcast.queuePriority() != 1 {
		t.Fatal("vote rebroadcast priority should be 1")
	}
	if TrafficGeneric.queuePriority() != 4 {
		t.Fatal("generic priority should be 4")
	}
	if TrafficBootstrap.queuePriority() != 4 {
		t.Fatal("bootstrap priority should be 4")
	}
}
