package consensus

import (
	"sync"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/types"
)

//RecentlyConfirmed is a bounded FIFO map of qualified root to winning hash.
//It suppresses re-elections for roots that were just decided.
type RecentlyConfirmed struct {
	mu      sync.Mutex
	entries map[types.QualifiedRoot]types.Hash
	hashes  map[types.Hash]types.QualifiedRoot
	order   []types.QualifiedRoot
	maxSize int
}

func NewRecentlyConfirmed(maxSize int) *RecentlyConfirmed {
	return &RecentlyConfirmed{
		entries: make(map[types.QualifiedRoot]types.Hash),
		hashes:  make(map[types.Hash]types.QualifiedRoot),
		maxSize: maxSize,
	}
}

//Put records a decided root, evicting the oldest entry when full
func (r *RecentlyConfirmed) Put(root types.QualifiedRoot, winner types.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[root]; ok {
		return
	}
	if len(r.order) >= r.maxSize {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.hashes, r.entries[oldest])
		delete(r.entries, oldest)
	}
	r.entries[root] = winner
	r.hashes[winner] = root
	r.order = append(r.order, root)
}

//RootExists reports whether a root was recently decided
func (r *RecentlyConfirmed) RootExists(root types.QualifiedRoot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[root]
	return ok
}

//HashExists reports whether a hash recently won an election
func (r *RecentlyConfirmed) HashExists(hash types.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.hashes[hash]
	return ok
}

//Erase forgets a root
func (r *RecentlyConfirmed) Erase(root types.QualifiedRoot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	winner, ok := r.entries[root]
	if !ok {
		return
	}
	delete(r.entries, root)
	delete(r.hashes, winner)
	for i, queued := range r.order {
		if queued == root {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

//Size returns the number of cached roots
func (r *RecentlyConfirmed) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

//ContainerInfo implements common.ContainerInfoProvider
func (r *RecentlyConfirmed) ContainerInfo() common.ContainerInfo {
	return common.ContainerInfo{Name: "recently_confirmed", Count: r.Size()}
}

//RecentlyCemented is a bounded FIFO of completed election statuses, kept
//for observability
type RecentlyCemented struct {
	mu      sync.Mutex
	entries []ElectionStatus
	maxSize int
}

func NewRecentlyCemented(maxSize int) *RecentlyCemented {
	return &RecentlyCemented{maxSize: maxSize}
}

//Put appends a status record, evicting the oldest when full
func (r *RecentlyCemented) Put(status ElectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= r.maxSize {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, status)
}

//List returns a snapshot of the history, oldest first
func (r *RecentlyCemented) List() []ElectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ElectionStatus, len(r.entries))
	copy(out, r.entries)
	return out
}

//Size returns the number of records held
func (r *RecentlyCemented) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

//ContainerInfo implements common.ContainerInfoProvider
func (r *RecentlyCemented) ContainerInfo() common.ContainerInfo {
	return common.ContainerInfo{Name: "recently_cemented", Count: r.Size()}
}
