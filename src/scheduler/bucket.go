package scheduler

import (
	"bytes"
	"sort"
	"sync"

	"github.com/trellis-network/trellis/src/consensus"
	"github.com/trellis-network/trellis/src/metrics"
	"github.com/trellis-network/trellis/src/types"
)

type blockEntry struct {
	time  uint64
	block *types.Block
}

func (e blockEntry) less(other blockEntry) bool {
	if e.time != other.time {
		return e.time < other.time
	}
	a, b := e.block.Hash(), other.block.Hash()
	return bytes.Compare(a[:], b[:]) < 0
}

type bucketElection struct {
	election *consensus.Election
	root     types.QualifiedRoot
	priority uint64
}

//Bucket holds the blocks of one balance tier waiting for an election slot,
//ordered by priority time (lower is more urgent), plus back-references to
//the elections it has started. The back-references are dropped through the
//erase callback passed into ActiveElections.Insert, so a bucket never keeps
//a dead election alive.
type Bucket struct {
	index             int
	minBalance        types.Amount
	maxBlocks         int
	reservedElections int
	maxElections      int
	//maxPerBucket is the cleanup trim threshold, at or above maxElections
	maxPerBucket int

	active  *consensus.ActiveElections
	metrics *metrics.SchedulerMetrics

	mu        sync.Mutex
	queue     []blockEntry
	elections map[types.QualifiedRoot]*bucketElection
}

func NewBucket(index int, minBalance types.Amount, maxBlocks, reservedElections, maxElections, maxPerBucket int, active *consensus.ActiveElections, m *metrics.SchedulerMetrics) *Bucket {
	if maxPerBucket < maxElections {
		maxPerBucket = maxElections
	}
	return &Bucket{
		index:             index,
		minBalance:        minBalance,
		maxBlocks:         maxBlocks,
		reservedElections: reservedElections,
		maxElections:      maxElections,
		maxPerBucket:      maxPerBucket,
		active:            active,
		metrics:           m,
		elections:         make(map[types.QualifiedRoot]*bucketElection),
	}
}

//Index returns the bucket's position in the scheduler
func (b *Bucket) Index() int {
	return b.index
}

//MinBalance returns the lower bound of this bucket's balance tier
func (b *Bucket) MinBalance() types.Amount {
	return b.minBalance
}

//Push inserts a block with its priority time. A full bucket evicts its
//worst entry; the pushed block itself may be the one evicted.
func (b *Bucket) Push(time uint64, block *types.Block) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := blockEntry{time: time, block: block}

	i := sort.Search(len(b.queue), func(i int) bool {
		return !b.queue[i].less(entry)
	})
	if i < len(b.queue) && b.queue[i].time == entry.time && b.queue[i].block.Hash() == block.Hash() {
		return false
	}

	b.queue = append(b.queue, blockEntry{})
	copy(b.queue[i+1:], b.queue[i:])
	b.queue[i] = entry
	b.metrics.Inserted.Add(1)

	if len(b.queue) > b.maxBlocks {
		evicted := b.queue[len(b.queue)-1]
		b.queue = b.queue[:len(b.queue)-1]
		b.metrics.Evicted.Add(1)
		return evicted.block.Hash() != block.Hash()
	}
	return true
}

//Size returns the number of queued blocks
func (b *Bucket) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

//Empty reports whether the queue holds no blocks
func (b *Bucket) Empty() bool {
	return b.Size() == 0
}

//ElectionCount returns the number of elections started from this bucket
//and still live
func (b *Bucket) ElectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.elections)
}

//Available reports whether the top block could start an election right now
func (b *Bucket) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return false
	}
	return b.electionVacancy(b.queue[0].time)
}

//electionVacancy decides whether a candidate with the given priority may
//start an election. Order of checks: the reserved allowance, then the
//global vacancy, then displacement of a worse live election (bounded at
//twice the bucket cap so reprioritisation cannot run away).
func (b *Bucket) electionVacancy(candidate uint64) bool {
	if len(b.elections) < b.reservedElections {
		return true
	}
	if len(b.elections) < b.maxElections {
		return b.active.Vacancy(consensus.BehaviorPriority) > 0
	}
	if len(b.elections) > 0 {
		lowest := b.lowestPriorityElection()
		//Compare equal too, to drain duplicates
		if candidate <= lowest.priority {
			return len(b.elections) < b.maxElections*2
		}
	}
	return false
}

func (b *Bucket) electionOverfill() bool {
	if len(b.elections) > b.maxPerBucket {
		return true
	}
	if len(b.elections) < b.reservedElections {
		return false
	}
	if len(b.elections) < b.maxElections {
		return b.active.Vacancy(consensus.BehaviorPriority) < 0
	}
	return true
}

//lowestPriorityElection returns the live election with the worst (highest)
//priority value
func (b *Bucket) lowestPriorityElection() *bucketElection {
	var worst *bucketElection
	for _, entry := range b.elections {
		if worst == nil || entry.priority > worst.priority {
			worst = entry
		}
	}
	return worst
}

//Activate pops the top block and starts an election for it. Returns false
//when the bucket is empty or no vacancy exists for the top entry.
func (b *Bucket) Activate() bool {
	b.mu.Lock()

	if len(b.queue) == 0 {
		b.mu.Unlock()
		return false
	}
	top := b.queue[0]
	if !b.electionVacancy(top.time) {
		b.mu.Unlock()
		return false
	}
	b.queue = b.queue[1:]
	b.mu.Unlock()

	erase := func(election *consensus.Election) {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.elections, election.QualifiedRoot())
	}

	result := b.active.Insert(top.block, consensus.BehaviorPriority, top.time, erase)
	if result.Inserted {
		b.mu.Lock()
		b.elections[result.Election.QualifiedRoot()] = &bucketElection{
			election: result.Election,
			root:     result.Election.QualifiedRoot(),
			priority: top.time,
		}
		b.mu.Unlock()
		b.metrics.Activated.Add(1)
	}
	return result.Inserted
}

//Update cancels the lowest-priority election while the bucket is overfull.
//Called periodically by the scheduler's cleanup thread.
func (b *Bucket) Update() {
	for {
		b.mu.Lock()
		if !b.electionOverfill() {
			b.mu.Unlock()
			return
		}
		worst := b.lowestPriorityElection()
		b.mu.Unlock()

		if worst == nil {
			return
		}
		worst.election.Cancel()

		//Cancellation is collected by the next request-loop pass; drop our
		//back-reference now so the overfill check converges
		b.mu.Lock()
		delete(b.elections, worst.root)
		b.mu.Unlock()

		b.active.Erase(worst.root)
	}
}
