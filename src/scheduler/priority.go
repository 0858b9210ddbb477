package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/consensus"
	"github.com/trellis-network/trellis/src/ledger"
	"github.com/trellis-network/trellis/src/metrics"
	"github.com/trellis-network/trellis/src/types"
)

//PriorityConfig sizes the scheduler buckets
type PriorityConfig struct {
	//MaxBlocks caps each bucket's block queue
	MaxBlocks int
	//ReservedElections is each bucket's guaranteed election allowance
	ReservedElections int
	//MaxElections caps each bucket's election count (displacement may go
	//up to twice this)
	MaxElections int
	//MaxPerBucket is the cleanup-thread trim threshold
	MaxPerBucket int
	//Thresholds are the bucket minimum balances, ascending
	Thresholds []types.Amount
	//ActivateInterval is the cadence of the activation loop
	ActivateInterval time.Duration
	//CleanupInterval is the cadence of the overfill-trimming loop
	CleanupInterval time.Duration
}

//DefaultPriorityConfig returns production defaults
func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		MaxBlocks:         8192,
		ReservedElections: 100,
		MaxElections:      150,
		MaxPerBucket:      150,
		Thresholds:        DefaultBucketThresholds(),
		ActivateInterval:  100 * time.Millisecond,
		CleanupInterval:   time.Second,
	}
}

//DefaultBucketThresholds spreads accounts over balance tiers growing by
//powers of sixteen
func DefaultBucketThresholds() []types.Amount {
	thresholds := []types.Amount{0}
	for shift := uint(8); shift <= 60; shift += 4 {
		thresholds = append(thresholds, types.Amount(1)<<shift)
	}
	return thresholds
}

//PriorityScheduler admits processed blocks into elections through
//balance-tier buckets. An activation thread drains available buckets; a
//cleanup thread trims buckets whose elections overfilled.
type PriorityScheduler struct {
	config  PriorityConfig
	ledger  *ledger.Ledger
	active  *consensus.ActiveElections
	metrics *metrics.SchedulerMetrics
	logger  *logrus.Entry

	buckets []*Bucket

	mu      sync.Mutex
	started bool
	stopped bool

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPriorityScheduler(config PriorityConfig, l *ledger.Ledger, active *consensus.ActiveElections, m *metrics.SchedulerMetrics, logger *logrus.Entry) *PriorityScheduler {
	s := &PriorityScheduler{
		config:  config,
		ledger:  l,
		active:  active,
		metrics: m,
		logger:  logger.WithField("prefix", "scheduler"),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	for i, min := range config.Thresholds {
		s.buckets = append(s.buckets, NewBucket(i, min, config.MaxBlocks, config.ReservedElections, config.MaxElections, config.MaxPerBucket, active, m))
	}
	return s
}

//Start launches the activation and cleanup threads
func (s *PriorityScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.wg.Add(2)
	go s.activateLoop()
	go s.cleanupLoop()
}

//Stop joins both threads
func (s *PriorityScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

//BucketFor returns the bucket whose tier contains the balance
func (s *PriorityScheduler) BucketFor(balance types.Amount) *Bucket {
	bucket := s.buckets[0]
	for _, candidate := range s.buckets[1:] {
		if balance < candidate.MinBalance() {
			break
		}
		bucket = candidate
	}
	return bucket
}

//ActivateBlock queues a processed block for election admission. The
//priority time is the block's ledger timestamp, so older chain positions
//are served first.
func (s *PriorityScheduler) ActivateBlock(block *types.Block) {
	sideband := block.Sideband()
	if sideband == nil {
		return
	}
	bucket := s.BucketFor(sideband.Balance)
	bucket.Push(uint64(sideband.Timestamp), block)
	s.kick()
}

//ActivateAccount queues the account's next unconfirmed block, if its
//dependencies are settled
func (s *PriorityScheduler) ActivateAccount(account types.Account) {
	tx := s.ledger.Store().TxBeginRead()
	defer tx.Discard()

	block := s.ledger.NextUnconfirmed(tx, account)
	if block == nil {
		return
	}
	if !s.ledger.DependentsConfirmed(tx, block) {
		return
	}
	s.ActivateBlock(block)
}

//Len returns the total number of queued blocks across buckets
func (s *PriorityScheduler) Len() int {
	total := 0
	for _, bucket := range s.buckets {
		total += bucket.Size()
	}
	return total
}

func (s *PriorityScheduler) kick() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *PriorityScheduler) activateLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.notify:
		case <-time.After(s.config.ActivateInterval):
		}

		for _, bucket := range s.buckets {
			for bucket.Available() {
				if !bucket.Activate() {
					break
				}
			}
		}
	}
}

func (s *PriorityScheduler) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, bucket := range s.buckets {
				bucket.Update()
			}
		}
	}
}

//ContainerInfo implements common.ContainerInfoProvider
func (s *PriorityScheduler) ContainerInfo() common.ContainerInfo {
	var children []common.ContainerInfo
	blocks := 0
	elections := 0
	for _, bucket := range s.buckets {
		blocks += bucket.Size()
		elections += bucket.ElectionCount()
	}
	children = append(children,
		common.ContainerInfo{Name: "buckets", Count: len(s.buckets)},
		common.ContainerInfo{Name: "blocks", Count: blocks},
		common.ContainerInfo{Name: "elections", Count: elections},
	)
	return common.ContainerInfo{Name: "scheduler", Children: children}
}
