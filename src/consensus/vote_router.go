package consensus

import (
	"sync"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/types"
)

type historyEntry struct {
	hash      types.Hash
	timestamp uint64
}

//VoteRouter indexes live elections by the hashes they are voting on and
//routes incoming votes to them. Elections connect each candidate hash on
//insert and disconnect wholesale on erase. The router also keeps the local
//vote history: the last vote each representative cast per root. History for
//a root is erased when a forced rollback invalidates it, so stale votes
//cannot leak into a replacement election.
type VoteRouter struct {
	reps RepProvider

	mu         sync.Mutex
	elections  map[types.Hash]*Election
	byElection map[*Election][]types.Hash
	history    map[types.Root]map[types.Account]historyEntry

	//VoteCacheTrigger fires for hashes that should be replayed from the
	//external vote cache (a new live block arrived for them)
	VoteCacheTrigger common.ObserverSet[types.Hash]
}

func NewVoteRouter(reps RepProvider) *VoteRouter {
	return &VoteRouter{
		reps:       reps,
		elections:  make(map[types.Hash]*Election),
		byElection: make(map[*Election][]types.Hash),
		history:    make(map[types.Root]map[types.Account]historyEntry),
	}
}

//Connect routes future votes for hash to the election
func (r *VoteRouter) Connect(hash types.Hash, election *Election) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.elections[hash] = election
	r.byElection[election] = append(r.byElection[election], hash)
}

//Disconnect removes every hash routed to the election
func (r *VoteRouter) Disconnect(election *Election) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, hash := range r.byElection[election] {
		if r.elections[hash] == election {
			delete(r.elections, hash)
		}
	}
	delete(r.byElection, election)
}

//ElectionFor returns the election a hash is routed to, or nil
func (r *VoteRouter) ElectionFor(hash types.Hash) *Election {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elections[hash]
}

//Vote routes one vote to the elections of the endorsed hashes. Returns the
//number of elections that accepted the vote.
func (r *VoteRouter) Vote(rep types.Account, timestamp uint64, hashes []types.Hash) int {
	weight := r.reps.Weight(rep)
	if weight == 0 {
		return 0
	}

	accepted := 0
	for _, hash := range hashes {
		r.mu.Lock()
		election := r.elections[hash]
		r.mu.Unlock()

		if election != nil && election.Vote(rep, timestamp, hash, weight) {
			accepted++
			r.recordHistory(election.QualifiedRoot().Root, rep, hash, timestamp)
		}
	}
	return accepted
}

func (r *VoteRouter) recordHistory(root types.Root, rep types.Account, hash types.Hash, timestamp uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	votes := r.history[root]
	if votes == nil {
		votes = make(map[types.Account]historyEntry)
		r.history[root] = votes
	}
	if previous, ok := votes[rep]; ok && previous.timestamp > timestamp {
		return
	}
	votes[rep] = historyEntry{hash: hash, timestamp: timestamp}
}

//HistoryVotes returns the hashes last endorsed per representative for a root
func (r *VoteRouter) HistoryVotes(root types.Root) map[types.Account]types.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[types.Account]types.Hash, len(r.history[root]))
	for rep, entry := range r.history[root] {
		out[rep] = entry.hash
	}
	return out
}

//EraseHistory forgets every vote recorded for a root. Called for each block
//removed by a forced rollback.
func (r *VoteRouter) EraseHistory(root types.Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.history, root)
}

//TriggerVoteCache asks the external vote cache to replay stored votes for a
//hash that just became live
func (r *VoteRouter) TriggerVoteCache(hash types.Hash) {
	r.VoteCacheTrigger.Notify(hash)
}

//ContainerInfo implements common.ContainerInfoProvider
func (r *VoteRouter) ContainerInfo() common.ContainerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	return common.ContainerInfo{
		Name: "vote_router",
		Children: []common.ContainerInfo{
			{Name: "hashes", Count: len(r.elections)},
			{Name: "elections", Count: len(r.byElection)},
			{Name: "history", Count: len(r.history)},
		},
	}
}
