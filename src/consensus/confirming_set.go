package consensus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/ledger"
	"github.com/trellis-network/trellis/src/metrics"
	"github.com/trellis-network/trellis/src/types"
)

const notificationWorkers = 1

//CementedEvent notifies that a block's confirmation height advanced. The
//confirmation root is the hash whose cementing pulled this block in.
type CementedEvent struct {
	Block            *types.Block
	ConfirmationRoot types.Hash
}

//ConfirmingSet turns election winners into durable confirmation height
//advances. Hashes are deduplicated in a pending set; a single worker thread
//drains it in batches under the confirmation-height write slot. Observer
//notifications run on a dedicated worker pool, never on the cementing
//thread, and preserve the ledger's cement order.
type ConfirmingSet struct {
	ledger     *ledger.Ledger
	writeQueue *ledger.WriteQueue
	metrics    *metrics.ConfirmingMetrics
	logger     *logrus.Entry
	batchTime  time.Duration

	mu         sync.Mutex
	cond       *sync.Cond
	set        map[types.Hash]struct{}
	processing map[types.Hash]struct{}
	stopped    bool
	started    bool

	workers *common.WorkerPool
	wg      sync.WaitGroup

	//Cemented fires once per block whose confirmation height advanced
	Cemented common.ObserverSet[CementedEvent]
	//AlreadyCemented fires for hashes that were cemented before the worker
	//reached them
	AlreadyCemented common.ObserverSet[types.Hash]
}

func NewConfirmingSet(l *ledger.Ledger, writeQueue *ledger.WriteQueue, batchTime time.Duration, m *metrics.ConfirmingMetrics, logger *logrus.Entry) *ConfirmingSet {
	s := &ConfirmingSet{
		ledger:     l,
		writeQueue: writeQueue,
		metrics:    m,
		logger:     logger.WithField("prefix", "confirming_set"),
		batchTime:  batchTime,
		set:        make(map[types.Hash]struct{}),
		processing: make(map[types.Hash]struct{}),
		workers:    common.NewWorkerPool(notificationWorkers),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

//Start launches the worker thread
func (s *ConfirmingSet) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.run()
}

//Stop joins the worker and the notification pool
func (s *ConfirmingSet) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	s.workers.Stop()
}

//Add queues a hash for cementing. Duplicates of pending or in-flight
//hashes are ignored.
func (s *ConfirmingSet) Add(hash types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.set[hash]; ok {
		return
	}
	if _, ok := s.processing[hash]; ok {
		return
	}
	s.set[hash] = struct{}{}
	s.metrics.PendingSize.Set(float64(len(s.set)))
	s.cond.Signal()
}

//Exists reports whether the hash is pending or in the current batch
func (s *ConfirmingSet) Exists(hash types.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.set[hash]; ok {
		return true
	}
	_, ok := s.processing[hash]
	return ok
}

//Size returns the number of pending hashes
func (s *ConfirmingSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

func (s *ConfirmingSet) run() {
	defer s.wg.Done()

	s.mu.Lock()
	for !s.stopped {
		if len(s.set) == 0 {
			s.cond.Wait()
			continue
		}

		//Move the pending set into the processing batch
		s.processing = s.set
		s.set = make(map[types.Hash]struct{})
		s.metrics.PendingSize.Set(0)
		s.mu.Unlock()

		s.runBatch()

		s.mu.Lock()
		s.processing = make(map[types.Hash]struct{})
	}
	s.mu.Unlock()
}

func (s *ConfirmingSet) runBatch() {
	guard := s.writeQueue.Wait(ledger.WriterConfirmationHeight)
	defer guard.Release()

	tx := s.ledger.Store().TxBeginWrite(ledger.TableConfirmation)
	defer tx.Discard()

	deadline := time.Now().Add(s.batchTime)

	var notifications []func()
	for hash := range s.processing {
		if s.isStopped() || time.Now().After(deadline) {
			//Unprocessed hashes go back to the pending set
			s.requeue(hash)
			continue
		}

		cemented, err := s.ledger.Confirm(tx, hash)
		if err != nil {
			s.logger.WithError(err).WithField("hash", hash.String()).Error("Failed to cement block")
			continue
		}

		if len(cemented) == 0 {
			hash := hash
			s.metrics.AlreadyCemented.Add(1)
			notifications = append(notifications, func() {
				s.AlreadyCemented.Notify(hash)
			})
			continue
		}

		s.metrics.Cemented.Add(float64(len(cemented)))
		for _, block := range cemented {
			block := block
			root := hash
			notifications = append(notifications, func() {
				s.Cemented.Notify(CementedEvent{Block: block, ConfirmationRoot: root})
			})
		}
	}

	if err := tx.Commit(); err != nil {
		panic(err)
	}

	//Observers run on the worker pool only after the heights are durable
	for _, notify := range notifications {
		s.workers.Submit(notify)
	}
}

func (s *ConfirmingSet) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *ConfirmingSet) requeue(hash types.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set[hash] = struct{}{}
}

//ContainerInfo implements common.ContainerInfoProvider
func (s *ConfirmingSet) ContainerInfo() common.ContainerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return common.ContainerInfo{
		Name: "confirming_set",
		Children: []common.ContainerInfo{
			{Name: "set", Count: len(s.set)},
			{Name: "processing", Count: len(s.processing)},
		},
	}
}
