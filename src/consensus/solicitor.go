package consensus

import (
	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/transport"
	"github.com/trellis-network/trellis/src/types"
)

const (
	//Roots batched into one confirm_req message
	maxRootsPerRequest = 7

	//Channels a winner block is republished to
	broadcastFanout = 8
)

//Solicitor batches confirmation requests and winner broadcasts for one pass
//of the election request loop. It is primed with the current principal
//representatives, filled by each election's TransitionTime, and flushed
//once per loop.
type Solicitor struct {
	reps     []Representative
	channels *transport.ChannelTable
	logger   *logrus.Entry

	//Pending confirm_req roots per channel
	requests map[*transport.Channel][]types.QualifiedRoot

	//Blocks to republish
	broadcasts []*types.Block
}

func NewSolicitor(reps []Representative, channels *transport.ChannelTable, logger *logrus.Entry) *Solicitor {
	return &Solicitor{
		reps:     reps,
		channels: channels,
		logger:   logger,
		requests: make(map[*transport.Channel][]types.QualifiedRoot),
	}
}

//Add queues a confirmation request for the election's root on every
//representative channel
func (s *Solicitor) Add(election *Election) {
	root := election.QualifiedRoot()
	for _, rep := range s.reps {
		channel := rep.Channel
		if channel == nil || !channel.Alive() {
			continue
		}
		s.requests[channel] = append(s.requests[channel], root)
	}
}

//Broadcast queues the election's current winner for republishing
func (s *Solicitor) Broadcast(election *Election) {
	winner := election.Winner()
	if winner == nil {
		return
	}
	s.broadcasts = append(s.broadcasts, winner)
}

//Flush encodes and sends everything queued in this pass
func (s *Solicitor) Flush() {
	for channel, roots := range s.requests {
		for start := 0; start < len(roots); start += maxRootsPerRequest {
			end := start + maxRootsPerRequest
			if end > len(roots) {
				end = len(roots)
			}
			s.sendConfirmReq(channel, roots[start:end])
		}
	}
	s.requests = make(map[*transport.Channel][]types.QualifiedRoot)

	for _, block := range s.broadcasts {
		s.broadcastBlock(block)
	}
	s.broadcasts = nil
}

func (s *Solicitor) sendConfirmReq(channel *transport.Channel, roots []types.QualifiedRoot) {
	req := &transport.ConfirmReqMessage{}
	for _, root := range roots {
		req.Roots = append(req.Roots, root.Root.Bytes())
		req.Previous = append(req.Previous, root.Previous.Bytes())
	}

	buf, err := transport.EncodeConfirmReq(req)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode confirm_req")
		return
	}
	channel.Send(buf, transport.TrafficGeneric, nil)
}

func (s *Solicitor) broadcastBlock(block *types.Block) {
	if s.channels == nil {
		return
	}
	buf, err := transport.EncodePublish(block)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode block broadcast")
		return
	}
	for _, channel := range s.channels.RandomSample(broadcastFanout) {
		channel.Send(buf, transport.TrafficBlockBroadcast, nil)
	}
}
