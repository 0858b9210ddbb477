package transport

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/crypto/keys"
	"github.com/trellis-network/trellis/src/metrics"
)

const (
	//Absolute cap of one traffic type's send queue
	sendQueueMaxSize = 128

	//Entries popped per sender iteration
	senderBatchSize = 8

	//Bytes requested from the shared limiter when the reservoir runs dry
	bandwidthChunk = 128 * 1024

	//Delay before re-asking a refusing limiter
	//TODO: Exponential backoff
	limiterRetryDelay = 100 * time.Millisecond

	writeTimeout = 30 * time.Second
)

var (
	//ErrChannelClosed is returned on Send after Close
	ErrChannelClosed = errors.New("channel closed")

	//ErrSendAborted completes queued entries dropped by a dying channel
	ErrSendAborted = errors.New("send aborted")
)

type sendEntry struct {
	buf      []byte
	traffic  TrafficType
	callback func(error)
}

//Channel owns one socket and a per-traffic-type queue of pending sends. A
//single sender goroutine drains the queues in weighted round-robin order,
//gated by the shared outbound bandwidth limiter. Within a traffic type,
//writes retain insertion order.
type Channel struct {
	conn    net.Conn
	logger  *logrus.Entry
	metrics *metrics.TransportMetrics
	limiter *OutboundLimiter

	mu      sync.Mutex
	cond    *sync.Cond
	queues  [numTrafficTypes][]sendEntry
	cursor  int
	counter int
	closed  bool

	//Reservoir of bytes already granted by the shared limiter
	allocatedBandwidth int

	senderDone chan struct{}

	infoMu               sync.Mutex
	nodeID               keys.NodeID
	networkVersion       uint8
	lastPacketSent       time.Time
	lastPacketReceived   time.Time
	lastBootstrapAttempt time.Time
}

func NewChannel(conn net.Conn, limiter *OutboundLimiter, m *metrics.TransportMetrics, logger *logrus.Entry) *Channel {
	now := time.Now()
	c := &Channel{
		conn:               conn,
		logger:             logger.WithField("remote", conn.RemoteAddr().String()),
		metrics:            m,
		limiter:            limiter,
		senderDone:         make(chan struct{}),
		lastPacketSent:     now,
		lastPacketReceived: now,
	}
	c.cond = sync.NewCond(&c.mu)

	go c.sender()

	return c
}

//Endpoint returns the remote address
func (c *Channel) Endpoint() string {
	return c.conn.RemoteAddr().String()
}

//RemoteIP returns the remote IP address
func (c *Channel) RemoteIP() net.IP {
	if addr, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

//Alive reports whether the channel can still accept sends
func (c *Channel) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

//Send queues a buffer for asynchronous delivery. It returns false when the
//traffic type's queue is full or the channel is closed; the callback is not
//invoked for dropped entries. A nil callback is allowed.
func (c *Channel) Send(buf []byte, traffic TrafficType, callback func(error)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if len(c.queues[traffic]) >= sendQueueMaxSize {
		c.metrics.SendDrops.With("traffic", traffic.String()).Add(1)
		return false
	}

	c.queues[traffic] = append(c.queues[traffic], sendEntry{
		buf:      buf,
		traffic:  traffic,
		callback: callback,
	})
	c.cond.Signal()
	return true
}

//QueueSize returns the number of pending sends for one traffic type
func (c *Channel) QueueSize(traffic TrafficType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[traffic])
}

//Close shuts the channel down. Queued entries complete with ErrSendAborted
//and the sender goroutine is joined before Close returns.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	//Unblock any in-flight socket write
	c.conn.Close()

	<-c.senderDone
}

func (c *Channel) sender() {
	defer close(c.senderDone)

	for {
		batch := c.nextBatch(senderBatchSize)
		if batch == nil {
			c.abortQueued()
			return
		}

		for i, entry := range batch {
			err := c.writeEntry(entry)
			if entry.callback != nil {
				entry.callback(err)
			}
			if err != nil {
				c.metrics.SendErrors.With("code", errorCode(err)).Add(1)
				c.logger.WithError(err).Debug("Channel write failed")
				c.abort(batch[i+1:])
				c.abortQueued()
				c.markClosed()
				return
			}
		}
	}
}

//nextBatch pops up to max entries in weighted round-robin order, blocking
//until at least one entry is queued. Returns nil when the channel closes.
func (c *Channel) nextBatch(max int) []sendEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.queuedLocked() == 0 {
		if c.closed {
			return nil
		}
		c.cond.Wait()
	}
	if c.closed {
		return nil
	}

	var batch []sendEntry
	for len(batch) < max && c.queuedLocked() > 0 {
		c.seekLocked()
		q := &c.queues[c.cursor]
		batch = append(batch, (*q)[0])
		*q = (*q)[1:]
		c.counter++
	}
	return batch
}

func (c *Channel) queuedLocked() int {
	total := 0
	for i := range c.queues {
		total += len(c.queues[i])
	}
	return total
}

//seekLocked advances the round-robin cursor when the current traffic type
//is drained or has used up its priority allowance
func (c *Channel) seekLocked() {
	current := TrafficType(c.cursor)
	if len(c.queues[c.cursor]) > 0 && c.counter < current.queuePriority() {
		return
	}
	c.counter = 0
	for {
		c.cursor = (c.cursor + 1) % int(numTrafficTypes)
		if len(c.queues[c.cursor]) > 0 {
			return
		}
	}
}

func (c *Channel) writeEntry(entry sendEntry) error {
	size := len(entry.buf)

	//Refill the reservoir from the shared limiter in fixed chunks
	for {
		c.mu.Lock()
		enough := c.allocatedBandwidth >= size
		closed := c.closed
		c.mu.Unlock()

		if enough {
			break
		}
		if closed {
			return ErrChannelClosed
		}
		if c.limiter == nil || c.limiter.ShouldPass(bandwidthChunk, entry.traffic) {
			c.mu.Lock()
			c.allocatedBandwidth += bandwidthChunk
			c.mu.Unlock()
			continue
		}
		time.Sleep(limiterRetryDelay)
	}

	c.mu.Lock()
	c.allocatedBandwidth -= size
	c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(entry.buf); err != nil {
		return err
	}

	c.metrics.BytesSent.Add(float64(size))

	c.infoMu.Lock()
	c.lastPacketSent = time.Now()
	c.infoMu.Unlock()
	return nil
}

func (c *Channel) abort(entries []sendEntry) {
	for _, entry := range entries {
		if entry.callback != nil {
			entry.callback(ErrSendAborted)
		}
	}
}

func (c *Channel) abortQueued() {
	c.mu.Lock()
	var pending []sendEntry
	for i := range c.queues {
		pending = append(pending, c.queues[i]...)
		c.queues[i] = nil
	}
	c.mu.Unlock()

	c.abort(pending)
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.conn.Close()
}

func errorCode(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrChannelClosed):
		return "closed"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		return "io_error"
	}
}

/* Peer info */

//NodeID returns the identity announced in the handshake
func (c *Channel) NodeID() keys.NodeID {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.nodeID
}

//SetNodeID records the identity announced in the handshake
func (c *Channel) SetNodeID(id keys.NodeID) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	c.nodeID = id
}

//NetworkVersion returns the protocol version announced in the handshake
func (c *Channel) NetworkVersion() uint8 {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.networkVersion
}

//SetNetworkVersion records the protocol version announced in the handshake
func (c *Channel) SetNetworkVersion(version uint8) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	c.networkVersion = version
}

//LastPacketSent returns the time of the last successful write
func (c *Channel) LastPacketSent() time.Time {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.lastPacketSent
}

//LastPacketReceived returns the time of the last read
func (c *Channel) LastPacketReceived() time.Time {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.lastPacketReceived
}

//NotePacketReceived records read activity and volume
func (c *Channel) NotePacketReceived(bytes int) {
	c.metrics.BytesReceived.Add(float64(bytes))

	c.infoMu.Lock()
	c.lastPacketReceived = time.Now()
	c.infoMu.Unlock()
}

//LastBootstrapAttempt returns the time of the last bootstrap request
func (c *Channel) LastBootstrapAttempt() time.Time {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.lastBootstrapAttempt
}

//SetLastBootstrapAttempt records a bootstrap request on this channel
func (c *Channel) SetLastBootstrapAttempt(t time.Time) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	c.lastBootstrapAttempt = t
}
