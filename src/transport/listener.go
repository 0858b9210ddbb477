package transport

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/metrics"
)

const (
	//Pause between accepts, guarding against a tight accept loop
	acceptPacing = 10 * time.Millisecond

	//Pause while all inbound slots are taken
	slotWaitDelay = 100 * time.Millisecond

	//Period of the dead-connection sweep
	cleanupInterval = 1 * time.Second
)

//ListenerConfig bounds inbound admission
type ListenerConfig struct {
	BindAddr          string
	MaxInbound        int
	MaxPeersPerIP     int
	MaxPeersPerSubnet int
	IdleTimeout       time.Duration
	Excluded          []string
}

type connEntry struct {
	endpoint string
	ip       net.IP
	channel  *Channel
	server   *Server
}

//Listener accepts inbound TCP connections, applies per-IP and per-subnet
//admission limits and tracks live connections. Dead entries are swept by a
//dedicated cleanup thread.
type Listener struct {
	config   ListenerConfig
	limiter  *OutboundLimiter
	handler  MessageHandler
	metrics  *metrics.TransportMetrics
	logger   *logrus.Entry
	excluded map[string]bool

	listener *net.TCPListener

	mu          sync.Mutex
	connections []*connEntry
	stopped     bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	//ConnectionAccepted fires for every admitted inbound channel
	ConnectionAccepted common.ObserverSet[*Channel]
}

func NewListener(config ListenerConfig, limiter *OutboundLimiter, handler MessageHandler, m *metrics.TransportMetrics, logger *logrus.Entry) *Listener {
	excluded := make(map[string]bool, len(config.Excluded))
	for _, ip := range config.Excluded {
		excluded[ip] = true
	}
	return &Listener{
		config:   config,
		limiter:  limiter,
		handler:  handler,
		metrics:  m,
		logger:   logger.WithField("prefix", "tcp_listener"),
		excluded: excluded,
		stopCh:   make(chan struct{}),
	}
}

//Start binds the listen address and launches the accept loop and the
//cleanup thread
func (l *Listener) Start() error {
	listener, err := net.Listen("tcp", l.config.BindAddr)
	if err != nil {
		return err
	}
	l.listener = listener.(*net.TCPListener)

	l.wg.Add(2)
	go l.acceptLoop()
	go l.cleanupLoop()

	l.logger.WithField("bind", l.listener.Addr().String()).Debug("Listening")
	return nil
}

//Addr returns the bound address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

//Stop closes the acceptor, joins its threads and closes every tracked
//connection
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	close(l.stopCh)
	l.listener.Close()
	l.wg.Wait()

	l.mu.Lock()
	connections := l.connections
	l.connections = nil
	l.mu.Unlock()

	for _, entry := range connections {
		entry.channel.Close()
	}
}

//ConnectionCount returns the number of tracked inbound connections
func (l *Listener) ConnectionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connections)
}

//Channels returns the currently tracked inbound channels
func (l *Listener) Channels() []*Channel {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Channel, 0, len(l.connections))
	for _, entry := range l.connections {
		out = append(out, entry.channel)
	}
	return out
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		if !l.waitAvailableSlots() {
			return
		}

		l.listener.SetDeadline(time.Now().Add(time.Second))
		conn, err := l.listener.AcceptTCP()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			l.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		l.handleAccept(conn)

		select {
		case <-l.stopCh:
			return
		case <-time.After(acceptPacing):
		}
	}
}

//waitAvailableSlots sleeps while the connection table is full. Returns
//false on shutdown.
func (l *Listener) waitAvailableSlots() bool {
	for l.ConnectionCount() >= l.config.MaxInbound {
		select {
		case <-l.stopCh:
			return false
		case <-time.After(slotWaitDelay):
		}
	}
	select {
	case <-l.stopCh:
		return false
	default:
		return true
	}
}

func (l *Listener) handleAccept(conn *net.TCPConn) {
	ip := conn.RemoteAddr().(*net.TCPAddr).IP

	if reason := l.checkLimits(ip); reason != "" {
		l.metrics.ConnectionsRejected.With("reason", reason).Add(1)
		l.logger.WithFields(logrus.Fields{
			"remote": conn.RemoteAddr().String(),
			"reason": reason,
		}).Debug("Rejecting connection")

		//Best effort shutdown
		conn.CloseWrite()
		conn.Close()
		return
	}

	channel := NewChannel(conn, l.limiter, l.metrics, l.logger)
	server := NewServer(channel, conn, l.handler, l.config.IdleTimeout, l.logger)
	server.Start()

	l.mu.Lock()
	l.connections = append(l.connections, &connEntry{
		endpoint: conn.RemoteAddr().String(),
		ip:       ip,
		channel:  channel,
		server:   server,
	})
	l.mu.Unlock()

	l.metrics.ConnectionsAccepted.Add(1)
	l.logger.WithField("remote", conn.RemoteAddr().String()).Debug("Accepted connection")

	l.ConnectionAccepted.Notify(channel)
}

//checkLimits returns a rejection reason, or the empty string when the peer
//is admissible
func (l *Listener) checkLimits(ip net.IP) string {
	if l.excluded[ip.String()] {
		return "excluded"
	}
	if l.countPerIP(ip) >= l.config.MaxPeersPerIP {
		return "too_many_per_ip"
	}
	//Subnet limits only apply to IPv6; IPv4 address space is scarce enough
	if ip.To4() == nil && l.countPerSubnet(ip) >= l.config.MaxPeersPerSubnet {
		return "too_many_per_subnet"
	}
	return ""
}

func (l *Listener) countPerIP(ip net.IP) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, entry := range l.connections {
		if entry.ip.Equal(ip) {
			count++
		}
	}
	return count
}

func (l *Listener) countPerSubnet(ip net.IP) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	subnet := subnetKey(ip)
	count := 0
	for _, entry := range l.connections {
		if subnetKey(entry.ip) == subnet {
			count++
		}
	}
	return count
}

//cleanupLoop wakes every second and removes entries whose socket and read
//loop are both finished
func (l *Listener) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Listener) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := l.connections[:0]
	for _, entry := range l.connections {
		if entry.channel.Alive() || !entry.server.Done() {
			live = append(live, entry)
		}
	}
	l.connections = live
}

//subnetKey maps an address to its admission subnet: /64 for IPv6, the
//address itself for IPv4
func subnetKey(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	masked := ip.Mask(net.CIDRMask(64, 128))
	return masked.String()
}

//ContainerInfo implements common.ContainerInfoProvider
func (l *Listener) ContainerInfo() common.ContainerInfo {
	return common.ContainerInfo{
		Name: "tcp_listener",
		Children: []common.ContainerInfo{
			{Name: "connections", Count: l.ConnectionCount()},
		},
	}
}
