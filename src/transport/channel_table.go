package transport

import (
	"errors"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/crypto/keys"
	"github.com/trellis-network/trellis/src/metrics"
)

//ErrDuplicateChannel is returned when inserting an endpoint that is already
//tracked
var ErrDuplicateChannel = errors.New("channel endpoint already tracked")

//ChannelTable is the directory of live channels. The primary table is
//keyed by endpoint; secondary indices by node id and subnet are maintained
//on every insert and erase. Ordered iteration by last-packet-sent serves
//the keepalive and purge sweeps; random sampling serves gossip.
type ChannelTable struct {
	limiter *OutboundLimiter
	handler MessageHandler
	metrics *metrics.TransportMetrics
	logger  *logrus.Entry

	mu         sync.Mutex
	byEndpoint map[string]*Channel
	byNodeID   map[keys.NodeID]*Channel
	bySubnet   map[string][]*Channel
	list       []*Channel

	//ChannelAdded fires after a channel is registered
	ChannelAdded common.ObserverSet[*Channel]
	//ChannelRemoved fires after a channel is dropped from the table
	ChannelRemoved common.ObserverSet[*Channel]
}

func NewChannelTable(limiter *OutboundLimiter, handler MessageHandler, m *metrics.TransportMetrics, logger *logrus.Entry) *ChannelTable {
	return &ChannelTable{
		limiter:    limiter,
		handler:    handler,
		metrics:    m,
		logger:     logger.WithField("prefix", "channels"),
		byEndpoint: make(map[string]*Channel),
		byNodeID:   make(map[keys.NodeID]*Channel),
		bySubnet:   make(map[string][]*Channel),
	}
}

//Connect dials a peer, registers the resulting channel and starts a read
//loop on it
func (t *ChannelTable) Connect(address string, timeout time.Duration, idleTimeout time.Duration) (*Channel, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, err
	}

	channel := NewChannel(conn, t.limiter, t.metrics, t.logger)
	if err := t.Insert(channel); err != nil {
		channel.Close()
		return nil, err
	}

	server := NewServer(channel, conn, t.handler, idleTimeout, t.logger)
	server.Start()

	return channel, nil
}

//Insert registers a channel under its endpoint and secondary keys
func (t *ChannelTable) Insert(channel *Channel) error {
	t.mu.Lock()

	endpoint := channel.Endpoint()
	if _, ok := t.byEndpoint[endpoint]; ok {
		t.mu.Unlock()
		return ErrDuplicateChannel
	}

	t.byEndpoint[endpoint] = channel
	if id := channel.NodeID(); id != 0 {
		t.byNodeID[id] = channel
	}
	if ip := channel.RemoteIP(); ip != nil {
		subnet := subnetKey(ip)
		t.bySubnet[subnet] = append(t.bySubnet[subnet], channel)
	}
	t.list = append(t.list, channel)
	t.mu.Unlock()

	t.ChannelAdded.Notify(channel)
	return nil
}

//SetNodeID updates a channel's node id and reindexes it
func (t *ChannelTable) SetNodeID(channel *Channel, id keys.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old := channel.NodeID(); old != 0 {
		delete(t.byNodeID, old)
	}
	channel.SetNodeID(id)
	t.byNodeID[id] = channel
}

//Erase drops a channel from every index. The channel itself is not closed.
func (t *ChannelTable) Erase(endpoint string) *Channel {
	t.mu.Lock()
	channel, ok := t.byEndpoint[endpoint]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	t.eraseLocked(channel)
	t.mu.Unlock()

	t.ChannelRemoved.Notify(channel)
	return channel
}

func (t *ChannelTable) eraseLocked(channel *Channel) {
	delete(t.byEndpoint, channel.Endpoint())
	if id := channel.NodeID(); id != 0 && t.byNodeID[id] == channel {
		delete(t.byNodeID, id)
	}
	if ip := channel.RemoteIP(); ip != nil {
		subnet := subnetKey(ip)
		peers := t.bySubnet[subnet]
		for i, c := range peers {
			if c == channel {
				t.bySubnet[subnet] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
		if len(t.bySubnet[subnet]) == 0 {
			delete(t.bySubnet, subnet)
		}
	}
	for i, c := range t.list {
		if c == channel {
			t.list = append(t.list[:i], t.list[i+1:]...)
			break
		}
	}
}

//ByEndpoint returns the channel for an endpoint, or nil
func (t *ChannelTable) ByEndpoint(endpoint string) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byEndpoint[endpoint]
}

//ByNodeID returns the channel for a node id, or nil
func (t *ChannelTable) ByNodeID(id keys.NodeID) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byNodeID[id]
}

//CountBySubnet returns the number of channels in an address's subnet
func (t *ChannelTable) CountBySubnet(ip net.IP) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySubnet[subnetKey(ip)])
}

//Len returns the number of tracked channels
func (t *ChannelTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.list)
}

//All returns a snapshot of every tracked channel
func (t *ChannelTable) All() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Channel, len(t.list))
	copy(out, t.list)
	return out
}

//RandomSample returns up to n distinct channels in random order
func (t *ChannelTable) RandomSample(n int) []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()

	indices := rand.Perm(len(t.list))
	if n > len(indices) {
		n = len(indices)
	}
	out := make([]*Channel, 0, n)
	for _, i := range indices[:n] {
		out = append(out, t.list[i])
	}
	return out
}

//OrderedByLastPacketSent returns channels sorted oldest-activity-first, for
//keepalive sweeps
func (t *ChannelTable) OrderedByLastPacketSent() []*Channel {
	channels := t.All()
	sort.SliceStable(channels, func(i, j int) bool {
		return channels[i].LastPacketSent().Before(channels[j].LastPacketSent())
	})
	return channels
}

//PurgeIdle closes and removes channels whose last activity is older than
//cutoff, plus channels below the minimum protocol version. Returns the
//purged channels.
func (t *ChannelTable) PurgeIdle(cutoff time.Time, minVersion uint8) []*Channel {
	var purged []*Channel

	t.mu.Lock()
	snapshot := make([]*Channel, len(t.list))
	copy(snapshot, t.list)
	for _, channel := range snapshot {
		last := channel.LastPacketSent()
		if received := channel.LastPacketReceived(); received.After(last) {
			last = received
		}
		if !channel.Alive() || last.Before(cutoff) || channel.NetworkVersion() < minVersion {
			t.eraseLocked(channel)
			purged = append(purged, channel)
		}
	}
	t.mu.Unlock()

	for _, channel := range purged {
		channel.Close()
		t.ChannelRemoved.Notify(channel)
	}
	return purged
}

//ContainerInfo implements common.ContainerInfoProvider
func (t *ChannelTable) ContainerInfo() common.ContainerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	return common.ContainerInfo{
		Name: "channels",
		Children: []common.ContainerInfo{
			{Name: "endpoints", Count: len(t.byEndpoint)},
			{Name: "node_ids", Count: len(t.byNodeID)},
			{Name: "subnets", Count: len(t.bySubnet)},
		},
	}
}
