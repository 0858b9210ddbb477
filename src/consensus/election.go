package consensus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/types"
)

const (
	//Maximum candidate blocks tracked per election
	maxElectionBlocks = 10

	//Time in passive state before the election starts soliciting
	passiveDuration = 5 * time.Second

	//Lifetime of an unconfirmed election before it expires
	electionTimeToLive = 5 * time.Minute

	//Linger after confirmation, letting late votes settle before the
	//election is removed
	confirmedLinger = 10 * time.Second
)

type voteInfo struct {
	hash      types.Hash
	timestamp uint64
	time      time.Time
}

//Election is the consensus state machine for one qualified root. It tracks
//the candidate blocks, accumulates vote tallies and transitions
//passive → active → confirmed, or expires.
type Election struct {
	root     types.QualifiedRoot
	behavior Behavior
	priority uint64
	reps     RepProvider
	logger   *logrus.Entry

	//onConfirmed fires once, outside the election mutex, when a winner is
	//decided
	onConfirmed func(*Election, *types.Block)

	mu                   sync.Mutex
	state                State
	stateStart           time.Time
	electionStart        time.Time
	blocks               map[types.Hash]*types.Block
	winner               types.Hash
	tally                map[types.Hash]types.Amount
	votes                map[types.Account]voteInfo
	confirmationRequests int
}

func NewElection(block *types.Block, behavior Behavior, priority uint64, reps RepProvider, onConfirmed func(*Election, *types.Block), logger *logrus.Entry) *Election {
	now := time.Now()
	e := &Election{
		root:          block.QualifiedRoot(),
		behavior:      behavior,
		priority:      priority,
		reps:          reps,
		logger:        logger,
		onConfirmed:   onConfirmed,
		state:         StatePassive,
		stateStart:    now,
		electionStart: now,
		blocks:        make(map[types.Hash]*types.Block),
		tally:         make(map[types.Hash]types.Amount),
		votes:         make(map[types.Account]voteInfo),
	}
	e.blocks[block.Hash()] = block
	e.winner = block.Hash()
	return e
}

//QualifiedRoot returns the chain position this election decides
func (e *Election) QualifiedRoot() types.QualifiedRoot {
	return e.root
}

//Behavior returns the admission category of this election
func (e *Election) Behavior() Behavior {
	return e.behavior
}

//Priority returns the bucket priority the election was started with
func (e *Election) Priority() uint64 {
	return e.priority
}

//State returns the current state
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

//Confirmed reports whether a winner has been decided
func (e *Election) Confirmed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateConfirmed || e.state == StateExpiredConfirmed
}

//Failed reports whether the election expired without deciding a winner
func (e *Election) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateExpiredUnconfirmed
}

//Winner returns the current leading block
func (e *Election) Winner() *types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocks[e.winner]
}

//Blocks returns a snapshot of the candidate blocks
func (e *Election) Blocks() map[types.Hash]*types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[types.Hash]*types.Block, len(e.blocks))
	for hash, block := range e.blocks {
		out[hash] = block
	}
	return out
}

//Duration returns how long the election has been running
func (e *Election) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.electionStart)
}

//AddBlock adds a competing block for the same root. Returns false when the
//block table is full or the election already ended.
func (e *Election) AddBlock(block *types.Block) bool {
	if block.QualifiedRoot() != e.root {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.terminal() || e.state == StateConfirmed {
		return false
	}
	hash := block.Hash()
	if _, ok := e.blocks[hash]; ok {
		return false
	}
	if len(e.blocks) >= maxElectionBlocks {
		return false
	}
	e.blocks[hash] = block
	return true
}

//TransitionActive promotes a passive election so it starts soliciting
//immediately. Called by the active set at insertion.
func (e *Election) TransitionActive() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StatePassive {
		e.state = StateActive
		e.stateStart = time.Now()
	}
}

//Vote applies one representative vote. Re-votes replace the rep's previous
//choice when the new timestamp is not older. Returns true when the vote was
//accepted; quorum is checked afterwards.
func (e *Election) Vote(rep types.Account, timestamp uint64, hash types.Hash, weight types.Amount) bool {
	e.mu.Lock()

	if e.state.terminal() {
		e.mu.Unlock()
		return false
	}
	if _, ok := e.blocks[hash]; !ok {
		e.mu.Unlock()
		return false
	}
	if previous, ok := e.votes[rep]; ok {
		if timestamp < previous.timestamp {
			e.mu.Unlock()
			return false
		}
		if previous.hash == hash {
			e.mu.Unlock()
			return true
		}
		if e.tally[previous.hash] >= weight {
			e.tally[previous.hash] -= weight
		} else {
			e.tally[previous.hash] = 0
		}
	}

	e.votes[rep] = voteInfo{hash: hash, timestamp: timestamp, time: time.Now()}
	e.tally[hash] += weight

	//Track the leading hash
	if e.tally[hash] > e.tally[e.winner] {
		e.winner = hash
	}

	confirmed := e.state != StateConfirmed && e.tally[hash] >= e.reps.Quorum()
	var winner *types.Block
	if confirmed {
		e.winner = hash
		e.state = StateConfirmed
		e.stateStart = time.Now()
		winner = e.blocks[hash]
	}
	e.mu.Unlock()

	if confirmed {
		e.confirmed(winner)
	}
	return true
}

//TryConfirm forces the election onto a hash that was cemented externally.
//Returns true when this call decided the election.
func (e *Election) TryConfirm(hash types.Hash) bool {
	e.mu.Lock()
	block, ok := e.blocks[hash]
	if !ok || e.state == StateConfirmed || e.state.terminal() {
		e.mu.Unlock()
		return false
	}
	e.winner = hash
	e.state = StateConfirmed
	e.stateStart = time.Now()
	e.mu.Unlock()

	e.confirmed(block)
	return true
}

//Cancel moves the election to the cancelled state
func (e *Election) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.terminal() && e.state != StateConfirmed {
		e.state = StateCancelled
		e.stateStart = time.Now()
	}
}

func (e *Election) confirmed(winner *types.Block) {
	e.logger.WithFields(logrus.Fields{
		"root":   e.root.String(),
		"winner": winner.Hash().String(),
	}).Debug("Election confirmed")

	if e.onConfirmed != nil {
		e.onConfirmed(e, winner)
	}
}

//TransitionTime advances the state machine from the request loop. It issues
//confirmation requests through the solicitor as state dictates and returns
//true when the election should be erased from the active set.
func (e *Election) TransitionTime(solicitor *Solicitor) bool {
	e.mu.Lock()

	switch e.state {
	case StatePassive:
		if time.Since(e.stateStart) > passiveDuration {
			e.state = StateActive
			e.stateStart = time.Now()
		}

	case StateActive:
		e.confirmationRequests++
		e.mu.Unlock()
		if solicitor != nil {
			solicitor.Add(e)
			solicitor.Broadcast(e)
		}
		e.mu.Lock()

	case StateConfirmed:
		if time.Since(e.stateStart) > confirmedLinger {
			e.state = StateExpiredConfirmed
			e.stateStart = time.Now()
		}

	case StateCancelled:
		e.mu.Unlock()
		return true
	}

	//Unconfirmed elections expire after their time to live
	if e.state != StateConfirmed && !e.state.terminal() && time.Since(e.electionStart) > electionTimeToLive {
		e.state = StateExpiredUnconfirmed
		e.stateStart = time.Now()
	}

	drop := e.state.terminal()
	e.mu.Unlock()
	return drop
}

//Status builds the observability record for this election
func (e *Election) Status(statusType StatusType) ElectionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	return ElectionStatus{
		Winner:               e.blocks[e.winner],
		Tally:                e.tally[e.winner],
		BlockCount:           len(e.blocks),
		VoterCount:           len(e.votes),
		ConfirmationRequests: e.confirmationRequests,
		Duration:             time.Since(e.electionStart),
		Time:                 time.Now(),
		Type:                 statusType,
	}
}

//ConfirmationRequestCount returns the number of solicitations issued
func (e *Election) ConfirmationRequestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmationRequests
}
