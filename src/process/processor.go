package process

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/ledger"
	"github.com/trellis-network/trellis/src/metrics"
	"github.com/trellis-network/trellis/src/queue"
	"github.com/trellis-network/trellis/src/transport"
	"github.com/trellis-network/trellis/src/types"
)

const (
	//Live-source admission: tokens per second and burst ratio
	liveRateLimit = 100
	liveRateBurst = 3.0
)

//Config bounds the block processor
type Config struct {
	//FullSize is the hard queue cap used for backpressure
	FullSize int
	//BatchSize is the number of blocks per write transaction
	BatchSize int
	//BatchMaxTime is the wall-clock bound per batch
	BatchMaxTime time.Duration
	//BlockProcessTimeout is the AddBlocking deadline
	BlockProcessTimeout time.Duration
}

//DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		FullSize:            65536,
		BatchSize:           256,
		BatchMaxTime:        500 * time.Millisecond,
		BlockProcessTimeout: 30 * time.Second,
	}
}

//sourceKey identifies one fair-queue lane: a source, plus the channel the
//blocks arrived on for network sources
type sourceKey struct {
	Source  BlockSource
	Channel *transport.Channel
}

var forcedKey = sourceKey{Source: SourceForced}

//Result is what AddBlocking hands back to the caller
type Result struct {
	Status ledger.ProcessStatus
	//Dropped marks submissions that never reached the ledger because the
	//processor shed them on overfill
	Dropped bool
}

type blockContext struct {
	block  *types.Block
	source BlockSource
	//result, when non-nil, is resolved exactly once per context
	result chan Result
}

func (c *blockContext) resolve(r Result) {
	if c.result != nil {
		c.result <- r
		c.result = nil
	}
}

//ProcessedEvent reports the ledger result of one block
type ProcessedEvent struct {
	Block  *types.Block
	Source BlockSource
	Status ledger.ProcessStatus
	Forced bool
}

//RollbackEvent reports a block removed to make way for a forced block.
//Subscribers that stop elections skip blocks on the initiating root: the
//forced block's own election proceeds.
type RollbackEvent struct {
	Block          *types.Block
	InitiatingRoot types.QualifiedRoot
}

//BlockProcessor accepts blocks from all sources, batches them under one
//write transaction and fans out the results. One dedicated thread runs the
//batches; admission is bounded per source by the fair queue.
type BlockProcessor struct {
	config        Config
	ledger        *ledger.Ledger
	writeQueue    *ledger.WriteQueue
	unchecked     *ledger.UncheckedMap
	metrics       *metrics.ProcessorMetrics
	logger        *logrus.Entry
	workThreshold uint64

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *queue.FairQueue[*blockContext, sourceKey]
	stopped bool
	started bool

	liveLimiter *common.RateLimiter

	wg sync.WaitGroup

	//BlockProcessed fires once per processed block
	BlockProcessed common.ObserverSet[ProcessedEvent]
	//BatchProcessed fires once per batch with every result in order
	BatchProcessed common.ObserverSet[[]ProcessedEvent]
	//RolledBack fires for each block removed by a forced rollback
	RolledBack common.ObserverSet[RollbackEvent]
}

func NewBlockProcessor(
	config Config,
	l *ledger.Ledger,
	writeQueue *ledger.WriteQueue,
	unchecked *ledger.UncheckedMap,
	workThreshold uint64,
	m *metrics.ProcessorMetrics,
	logger *logrus.Entry,
) *BlockProcessor {
	p := &BlockProcessor{
		config:        config,
		ledger:        l,
		writeQueue:    writeQueue,
		unchecked:     unchecked,
		metrics:       m,
		logger:        logger.WithField("prefix", "block_processor"),
		workThreshold: workThreshold,
		liveLimiter:   common.NewRateLimiter(liveRateLimit, liveRateBurst),
	}
	p.cond = sync.NewCond(&p.mu)
	p.queue = queue.NewFairQueue[*blockContext, sourceKey](
		func(s sourceKey) int { return s.Source.maxQueueSize() },
		func(s sourceKey) int { return s.Source.queuePriority() },
	)
	p.queue.Alive = func(s sourceKey) bool {
		//Sources without a channel (local, bootstrap, forced) never die
		return s.Channel == nil || s.Channel.Alive()
	}

	//Blocks released from the unchecked map come back for reprocessing
	unchecked.OnSatisfied(func(blocks []*types.Block) {
		for _, block := range blocks {
			p.Add(block, SourceUnchecked, nil)
		}
	})

	return p
}

//Start launches the processing thread
func (p *BlockProcessor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.run()
}

//Stop joins the processing thread
func (p *BlockProcessor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

//Size returns the total number of queued blocks
func (p *BlockProcessor) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.TotalSize()
}

//SizeSource returns the number of queued blocks in one source's
//channel-less lane; blocks queued under a channel are not counted
func (p *BlockProcessor) SizeSource(source BlockSource) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	//Channel-less lanes dominate; a full per-channel scan is not worth
	//indexing for a snapshot call
	return p.queue.Size(sourceKey{Source: source})
}

//Full reports whether the queue is at the backpressure cap
func (p *BlockProcessor) Full() bool {
	return p.Size() >= p.config.FullSize
}

//HalfFull reports whether the queue is at half the backpressure cap
func (p *BlockProcessor) HalfFull() bool {
	return p.Size() >= p.config.FullSize/2
}

//Add enqueues a block. Admission fails, with a counter increment, when the
//processor is full, the work is malformed, or the live rate limit is
//exceeded.
func (p *BlockProcessor) Add(block *types.Block, source BlockSource, channel *transport.Channel) bool {
	return p.add(&blockContext{block: block, source: source}, channel)
}

func (p *BlockProcessor) add(ctx *blockContext, channel *transport.Channel) bool {
	if p.Full() {
		p.metrics.Overfill.Add(1)
		ctx.resolve(Result{Dropped: true})
		return false
	}
	if !types.WorkValid(ctx.block, p.workThreshold) {
		p.metrics.InsufficientWork.Add(1)
		ctx.resolve(Result{Status: ledger.InsufficientWork, Dropped: true})
		return false
	}
	if ctx.source.rateLimited() && !p.liveLimiter.Allow(1) {
		p.metrics.RateLimited.Add(1)
		ctx.resolve(Result{Dropped: true})
		return false
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		ctx.resolve(Result{Dropped: true})
		return false
	}
	added := p.queue.Push(ctx, sourceKey{Source: ctx.source, Channel: channel})
	p.queue.PeriodicCleanup(30 * time.Second)
	size := p.queue.TotalSize()
	p.cond.Signal()
	p.mu.Unlock()

	p.metrics.QueueSize.Set(float64(size))
	if !added {
		p.metrics.Overfill.Add(1)
		ctx.resolve(Result{Dropped: true})
	}
	return added
}

//AddBlocking enqueues a block and waits for its result. Returns ok=false
//when the submission was dropped or the timeout elapsed; in the latter case
//the block continues to be processed in the background.
func (p *BlockProcessor) AddBlocking(block *types.Block, source BlockSource) (ledger.ProcessStatus, bool) {
	ctx := &blockContext{
		block:  block,
		source: source,
		result: make(chan Result, 1),
	}
	resultCh := ctx.result

	if !p.add(ctx, nil) {
		//The context was resolved with a dropped marker
		r := <-resultCh
		return r.Status, false
	}

	if p.config.BlockProcessTimeout <= 0 {
		select {
		case r := <-resultCh:
			return r.Status, !r.Dropped
		default:
			return 0, false
		}
	}

	select {
	case r := <-resultCh:
		return r.Status, !r.Dropped
	case <-time.After(p.config.BlockProcessTimeout):
		return 0, false
	}
}

//Force enqueues a block under the forced source. During processing, a
//competing successor at the same root is rolled back first.
func (p *BlockProcessor) Force(block *types.Block) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.queue.Push(&blockContext{block: block, source: SourceForced}, forcedKey)
	p.cond.Signal()
	p.mu.Unlock()
}

/* Processing thread */

func (p *BlockProcessor) run() {
	defer p.wg.Done()

	p.mu.Lock()
	for !p.stopped {
		if p.queue.Empty() {
			p.cond.Wait()
			continue
		}
		p.mu.Unlock()

		events, contexts, results := p.processBatch()

		//Fan out with no locks held
		for _, event := range events {
			p.BlockProcessed.Notify(event)
		}
		if len(events) > 0 {
			p.BatchProcessed.Notify(events)
		}
		for i, ctx := range contexts {
			ctx.resolve(results[i])
		}

		p.mu.Lock()
	}
	p.mu.Unlock()
}

//pop returns the next context, serving forced submissions before the
//weighted lanes
func (p *BlockProcessor) pop() (*blockContext, bool) {
	if ctx, ok := p.queue.PopFrom(forcedKey); ok {
		return ctx, true
	}
	if p.queue.Empty() {
		return nil, false
	}
	ctx, _ := p.queue.Next()
	return ctx, true
}

func (p *BlockProcessor) processBatch() ([]ProcessedEvent, []*blockContext, []Result) {
	guard := p.writeQueue.Wait(ledger.WriterProcessBatch)
	defer guard.Release()

	store := p.ledger.Store()
	tx := store.TxBeginWrite(ledger.TableAccounts, ledger.TableBlocks, ledger.TableFrontiers, ledger.TablePending)
	defer tx.Discard()

	deadline := time.Now().Add(p.config.BatchMaxTime)
	storeMax := store.MaxWriteBatch()

	var (
		events    []ProcessedEvent
		contexts  []*blockContext
		results   []Result
		rollbacks []RollbackEvent
		processed int
		forced    int
	)

	p.mu.Lock()
	//Keep draining while either the deadline or the batch size still has
	//room, but never beyond what the store takes in one transaction
	for !p.queue.Empty() &&
		(time.Now().Before(deadline) || processed < p.config.BatchSize) &&
		processed < storeMax {

		ctx, ok := p.pop()
		if !ok {
			break
		}
		p.mu.Unlock()

		if ctx.source == SourceForced {
			forced++
			p.metrics.Forced.Add(1)
			rollbacks = append(rollbacks, p.rollbackCompetitor(tx, ctx.block)...)
		}

		status := p.processOne(tx, ctx.block)
		p.metrics.BlocksProcessed.With("result", status.String()).Add(1)

		events = append(events, ProcessedEvent{
			Block:  ctx.block,
			Source: ctx.source,
			Status: status,
			Forced: ctx.source == SourceForced,
		})
		contexts = append(contexts, ctx)
		results = append(results, Result{Status: status})

		processed++
		p.mu.Lock()
	}
	size := p.queue.TotalSize()
	p.mu.Unlock()

	p.metrics.QueueSize.Set(float64(size))

	if err := tx.Commit(); err != nil {
		panic(err)
	}

	//Rollback notifications go out only after the batch is durable
	for _, event := range rollbacks {
		p.RolledBack.Notify(event)
	}

	if processed > 0 {
		p.logger.WithFields(logrus.Fields{
			"processed": processed,
			"forced":    forced,
		}).Debug("Processed batch")
	}

	return events, contexts, results
}

//processOne runs one block through the ledger and parks gap results in the
//unchecked map
func (p *BlockProcessor) processOne(tx ledger.WriteTx, block *types.Block) ledger.ProcessStatus {
	hash := block.Hash()
	status := p.ledger.Process(tx, block)

	switch status {
	case ledger.Progress:
		//A newly arrived block may satisfy parked dependents
		p.unchecked.Trigger(hash)

		sideband := block.Sideband()
		if sideband != nil && sideband.Details.IsSend && sideband.Details.Epoch < types.EpochMax {
			//The destination may hold a parked epoch open waiting for a
			//receivable entry
			p.unchecked.Trigger(types.Hash(block.Destination()))
		}

	case ledger.GapPrevious:
		p.unchecked.Put(block.Previous, block)

	case ledger.GapSource:
		p.unchecked.Put(p.ledger.BlockSource(tx, block), block)

	case ledger.GapEpochOpenPending:
		p.unchecked.Put(types.Hash(block.Account), block)
	}

	return status
}

//rollbackCompetitor clears the way for a forced block: whatever currently
//occupies its root is rolled back, along with all dependents
func (p *BlockProcessor) rollbackCompetitor(tx ledger.WriteTx, block *types.Block) []RollbackEvent {
	root := block.QualifiedRoot()
	successor := p.ledger.Successor(tx, root)
	if successor == nil || successor.Hash() == block.Hash() {
		return nil
	}

	p.logger.WithFields(logrus.Fields{
		"rollback": successor.Hash().String(),
		"winner":   block.Hash().String(),
	}).Debug("Rolling back competitor")

	rolledBack, err := p.ledger.Rollback(tx, successor.Hash())
	if err != nil {
		p.logger.WithError(err).WithField("hash", successor.Hash().String()).Error("Failed to roll back")
		p.metrics.RollbackFailed.Add(1)
	}
	p.metrics.RolledBack.Add(float64(len(rolledBack)))

	events := make([]RollbackEvent, 0, len(rolledBack))
	for _, rb := range rolledBack {
		events = append(events, RollbackEvent{Block: rb, InitiatingRoot: root})
	}
	return events
}

//ContainerInfo implements common.ContainerInfoProvider
func (p *BlockProcessor) ContainerInfo() common.ContainerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	return common.ContainerInfo{
		Name: "block_processor",
		Children: []common.ContainerInfo{
			{Name: "queues", Count: p.queue.QueuesSize()},
			{Name: "blocks", Count: p.queue.TotalSize()},
		},
	}
}
