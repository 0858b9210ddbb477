package node

import (
	"crypto/ecdsa"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/config"
	"github.com/trellis-network/trellis/src/consensus"
	"github.com/trellis-network/trellis/src/crypto/keys"
	"github.com/trellis-network/trellis/src/ledger"
	"github.com/trellis-network/trellis/src/metrics"
	"github.com/trellis-network/trellis/src/process"
	"github.com/trellis-network/trellis/src/scheduler"
	"github.com/trellis-network/trellis/src/transport"
	"github.com/trellis-network/trellis/src/types"
)

//Node is the composition root: it wires typed collaborator references into
//each component's constructor and owns their lifecycles. No component
//reaches out to a global.
type Node struct {
	conf   *config.Config
	logger *logrus.Entry
	key    *ecdsa.PrivateKey
	nodeID keys.NodeID

	store      ledger.Store
	ledger     *ledger.Ledger
	writeQueue *ledger.WriteQueue
	unchecked  *ledger.UncheckedMap

	limiter   *transport.OutboundLimiter
	channels  *transport.ChannelTable
	listener  *transport.Listener
	reps      *consensus.StaticReps
	router    *consensus.VoteRouter
	confirm   *consensus.ConfirmingSet
	active    *consensus.ActiveElections
	scheduler *scheduler.PriorityScheduler
	processor *process.BlockProcessor

	start time.Time

	mu       sync.Mutex
	started  bool
	shutdown bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

//NewNode builds and wires a node from its configuration and identity key
func NewNode(conf *config.Config, key *ecdsa.PrivateKey) (*Node, error) {
	logger := conf.Logger()

	var store ledger.Store
	if conf.Store {
		badgerStore, err := ledger.NewBadgerStore(conf.DatabaseDir)
		if err != nil {
			return nil, err
		}
		store = badgerStore
	} else {
		store = ledger.NewInmemStore()
	}

	var (
		processorMetrics  = metrics.NopProcessorMetrics()
		electionMetrics   = metrics.NopElectionMetrics()
		confirmingMetrics = metrics.NopConfirmingMetrics()
		transportMetrics  = metrics.NopTransportMetrics()
		schedulerMetrics  = metrics.NopSchedulerMetrics()
	)
	if conf.Prometheus {
		processorMetrics = metrics.PrometheusProcessorMetrics("trellis")
		electionMetrics = metrics.PrometheusElectionMetrics("trellis")
		confirmingMetrics = metrics.PrometheusConfirmingMetrics("trellis")
		transportMetrics = metrics.PrometheusTransportMetrics("trellis")
		schedulerMetrics = metrics.PrometheusSchedulerMetrics("trellis")
	}

	n := &Node{
		conf:       conf,
		logger:     logger,
		key:        key,
		nodeID:     keys.PublicKeyID(keys.FromPublicKey(&key.PublicKey)),
		store:      store,
		writeQueue: ledger.NewWriteQueue(),
		unchecked:  ledger.NewUncheckedMap(65536),
		stopCh:     make(chan struct{}),
	}

	n.ledger = ledger.NewLedger(store, conf.WorkThreshold, logger)
	if conf.GenesisAccount != "" {
		genesisHash, err := types.HashFromString(conf.GenesisAccount)
		if err != nil {
			return nil, err
		}
		n.ledger.SetGenesis(types.Account(genesisHash))
	}

	n.limiter = transport.NewOutboundLimiter(transport.OutboundLimiterConfig{})
	n.channels = transport.NewChannelTable(n.limiter, n, transportMetrics, logger)
	n.listener = transport.NewListener(transport.ListenerConfig{
		BindAddr:          conf.BindAddr,
		MaxInbound:        conf.MaxInbound,
		MaxPeersPerIP:     conf.MaxPeersPerIP,
		MaxPeersPerSubnet: conf.MaxPeersPerSubnet,
		IdleTimeout:       conf.IdleTimeout,
		Excluded:          conf.ExcludedPeers,
	}, n.limiter, n, transportMetrics, logger)

	n.reps = consensus.NewStaticReps(types.Amount(conf.Quorum))
	n.router = consensus.NewVoteRouter(n.reps)
	n.confirm = consensus.NewConfirmingSet(n.ledger, n.writeQueue, conf.ConfirmingBatchTime, confirmingMetrics, logger)

	n.active = consensus.NewActiveElections(consensus.ActiveConfig{
		Size:                      conf.ActiveSize,
		HintedLimitPercentage:     conf.HintedLimitPercentage,
		OptimisticLimitPercentage: conf.OptimisticLimitPercentage,
		ConfirmationHistorySize:   conf.ConfirmationHistorySize,
		ConfirmationCacheSize:     conf.ConfirmationCache,
		LoopInterval:              conf.AECLoopInterval,
		MaxPrincipalReps:          100,
	}, n.ledger, n.confirm, n.router, n.reps, n.channels, electionMetrics, logger)

	n.scheduler = scheduler.NewPriorityScheduler(scheduler.PriorityConfig{
		MaxBlocks:         conf.BucketMaxBlocks,
		ReservedElections: conf.BucketReservedElections,
		MaxElections:      conf.BucketMaxElections,
		MaxPerBucket:      conf.MaxPerBucket,
		Thresholds:        scheduler.DefaultBucketThresholds(),
		ActivateInterval:  100 * time.Millisecond,
		CleanupInterval:   time.Second,
	}, n.ledger, n.active, schedulerMetrics, logger)

	n.processor = process.NewBlockProcessor(process.Config{
		FullSize:            conf.BlockProcessorFullSize,
		BatchSize:           conf.BlockProcessorBatchSize,
		BatchMaxTime:        conf.BlockProcessorBatchMaxTime,
		BlockProcessTimeout: conf.BlockProcessTimeout,
	}, n.ledger, n.writeQueue, n.unchecked, conf.WorkThreshold, processorMetrics, logger)

	n.wire()

	return n, nil
}

//wire connects the component observers into the block pipeline
func (n *Node) wire() {
	//Processed blocks feed the scheduler; forks feed the running election
	n.processor.BlockProcessed.Add(func(event process.ProcessedEvent) {
		switch event.Status {
		case ledger.Progress:
			n.scheduler.ActivateBlock(event.Block)
			if event.Source == process.SourceLocal {
				n.floodBlock(event.Block)
			}
		case ledger.Fork:
			n.active.Publish(event.Block)
		}
	})

	//Rolled-back blocks lose their vote history and their elections,
	//except the election on the root the forced block is about to win
	n.processor.RolledBack.Add(func(event process.RollbackEvent) {
		n.router.EraseHistory(event.Block.Root())
		if event.Block.QualifiedRoot() != event.InitiatingRoot {
			n.active.EraseBlock(event.Block)
		}
	})

	//Cementing unblocks successor chains
	n.active.ActivateSuccessors.Add(func(account types.Account) {
		n.scheduler.ActivateAccount(account)
	})

	//Election lifecycle observability
	n.active.ActiveStarted.Add(func(election *consensus.Election) {
		n.logger.WithFields(logrus.Fields{
			"root":     election.QualifiedRoot().String(),
			"behavior": election.Behavior().String(),
		}).Debug("Election started")
	})

	//Admitted inbound channels join the directory
	n.listener.ConnectionAccepted.Add(func(channel *transport.Channel) {
		if err := n.channels.Insert(channel); err != nil {
			n.logger.WithError(err).Debug("Duplicate inbound channel")
		} else {
			n.sendHandshake(channel)
		}
	})
}

//Start launches every component thread. Dependency order: leaves first.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return nil
	}
	n.started = true
	n.start = time.Now()

	n.confirm.Start()
	n.active.Start()
	n.scheduler.Start()
	n.processor.Start()
	if err := n.listener.Start(); err != nil {
		return err
	}

	n.wg.Add(1)
	go n.keepaliveLoop()

	n.logger.WithFields(logrus.Fields{
		"node_id": n.nodeID.String(),
		"bind":    n.conf.BindAddr,
		"moniker": n.conf.Moniker,
	}).Debug("Node started")
	return nil
}

//Shutdown stops every component and closes the store. Safe to call more
//than once.
func (n *Node) Shutdown() {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return
	}
	n.shutdown = true
	n.mu.Unlock()

	n.logger.Debug("Shutdown")

	close(n.stopCh)
	n.wg.Wait()

	n.listener.Stop()
	n.processor.Stop()
	n.scheduler.Stop()
	n.active.Stop()
	n.confirm.Stop()

	for _, channel := range n.channels.All() {
		n.channels.Erase(channel.Endpoint())
		channel.Close()
	}

	n.store.Close()
}

/* Submission */

//Submit runs a locally created block through the processor and waits for
//its ledger result
func (n *Node) Submit(block *types.Block) (ledger.ProcessStatus, bool) {
	return n.processor.AddBlocking(block, process.SourceLocal)
}

/* Network */

//HandleMessage implements transport.MessageHandler: it is the router
//between the wire and the block pipeline
func (n *Node) HandleMessage(msg *transport.Message, channel *transport.Channel) {
	switch {
	case msg.Publish != nil:
		block, err := types.UnmarshalBlock(msg.Publish.Block)
		if err != nil {
			n.logger.WithError(err).Debug("Discarding malformed block")
			return
		}
		n.processor.Add(block, process.SourceLive, channel)

	case msg.ConfirmAck != nil:
		rep, err := types.AccountFromBytes(msg.ConfirmAck.Representative)
		if err != nil {
			return
		}
		hashes := make([]types.Hash, 0, len(msg.ConfirmAck.Hashes))
		for _, raw := range msg.ConfirmAck.Hashes {
			hash, err := types.HashFromBytes(raw)
			if err != nil {
				return
			}
			hashes = append(hashes, hash)
		}
		n.router.Vote(rep, msg.ConfirmAck.Timestamp, hashes)

	case msg.ConfirmReq != nil:
		n.replyConfirmReq(msg.ConfirmReq, channel)

	case msg.Handshake != nil:
		n.channels.SetNodeID(channel, keys.PublicKeyID(msg.Handshake.PublicKey))
		channel.SetNetworkVersion(msg.Handshake.Version)

	case msg.Keepalive != nil:
		//Peer lists are advisory; nothing to do until an outbound
		//connector consumes them
	}
}

//replyConfirmReq answers a confirmation request with the blocks we hold at
//the requested positions
func (n *Node) replyConfirmReq(req *transport.ConfirmReqMessage, channel *transport.Channel) {
	tx := n.ledger.Store().TxBeginRead()
	defer tx.Discard()

	for i := range req.Roots {
		if i >= len(req.Previous) {
			break
		}
		var root types.QualifiedRoot
		copy(root.Root[:], req.Roots[i])
		copy(root.Previous[:], req.Previous[i])

		successor := n.ledger.Successor(tx, root)
		if successor == nil {
			continue
		}
		buf, err := transport.EncodePublish(successor)
		if err != nil {
			continue
		}
		channel.Send(buf, transport.TrafficGeneric, nil)
	}
}

//floodBlock announces a locally submitted block to a sample of peers
func (n *Node) floodBlock(block *types.Block) {
	buf, err := transport.EncodePublish(block)
	if err != nil {
		n.logger.WithError(err).Error("Failed to encode block")
		return
	}
	for _, channel := range n.channels.RandomSample(16) {
		channel.Send(buf, transport.TrafficBlockBroadcast, nil)
	}
}

func (n *Node) sendHandshake(channel *transport.Channel) {
	buf, err := transport.EncodeHandshake(keys.FromPublicKey(&n.key.PublicKey), config.DefaultProtocolVersion)
	if err != nil {
		return
	}
	channel.Send(buf, transport.TrafficGeneric, nil)
}

//keepaliveLoop periodically pings idle peers and purges dead or outdated
//channels
func (n *Node) keepaliveLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.conf.KeepalivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * n.conf.IdleTimeout)
			purged := n.channels.PurgeIdle(cutoff, n.conf.ProtocolVersionMin)
			if len(purged) > 0 {
				n.logger.WithField("count", len(purged)).Debug("Purged channels")
			}

			peers := []string{n.conf.BindAddr}
			buf, err := transport.EncodeKeepalive(peers)
			if err != nil {
				continue
			}
			for _, channel := range n.channels.OrderedByLastPacketSent() {
				if time.Since(channel.LastPacketSent()) > n.conf.KeepalivePeriod {
					channel.Send(buf, transport.TrafficGeneric, nil)
				}
			}
		}
	}
}

/* Introspection */

//Processor exposes the block processor
func (n *Node) Processor() *process.BlockProcessor {
	return n.processor
}

//ActiveElections exposes the election engine
func (n *Node) ActiveElections() *consensus.ActiveElections {
	return n.active
}

//ConfirmingSet exposes the cementing pipeline
func (n *Node) ConfirmingSet() *consensus.ConfirmingSet {
	return n.confirm
}

//Ledger exposes the ledger
func (n *Node) Ledger() *ledger.Ledger {
	return n.ledger
}

//Channels exposes the channel directory
func (n *Node) Channels() *transport.ChannelTable {
	return n.channels
}

//Router exposes the vote router
func (n *Node) Router() *consensus.VoteRouter {
	return n.router
}

//Reps exposes the representative table
func (n *Node) Reps() *consensus.StaticReps {
	return n.reps
}

//ID returns the node identity
func (n *Node) ID() keys.NodeID {
	return n.nodeID
}

//GetStats returns stats
func (n *Node) GetStats() map[string]string {
	timeElapsed := time.Since(n.start)

	s := map[string]string{
		"node_id":             n.nodeID.String(),
		"moniker":             n.conf.Moniker,
		"uptime":              timeElapsed.String(),
		"processor_queue":     strconv.Itoa(n.processor.Size()),
		"active_elections":    strconv.Itoa(n.active.Size()),
		"confirming_pending":  strconv.Itoa(n.confirm.Size()),
		"scheduler_queue":     strconv.Itoa(n.scheduler.Len()),
		"unchecked":           strconv.Itoa(n.unchecked.Size()),
		"num_peers":           strconv.Itoa(n.channels.Len()),
		"inbound_connections": strconv.Itoa(n.listener.ConnectionCount()),
		"recently_cemented":   strconv.Itoa(len(n.active.RecentlyCementedList())),
	}
	return s
}

//ContainerInfos returns the container-info tree of every component, for
//monitoring
func (n *Node) ContainerInfos() []common.ContainerInfo {
	providers := []common.ContainerInfoProvider{
		n.processor,
		n.active,
		n.confirm,
		n.scheduler,
		n.unchecked,
		n.channels,
		n.listener,
		n.router,
	}

	infos := make([]common.ContainerInfo, 0, len(providers))
	for _, provider := range providers {
		infos = append(infos, provider.ContainerInfo())
	}
	return infos
}

//RecentlyCemented returns the confirmation history
func (n *Node) RecentlyCemented() []consensus.ElectionStatus {
	return n.active.RecentlyCementedList()
}
