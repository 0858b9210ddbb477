package ledger

import (
	"sync"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/types"
)

//UncheckedKey is the dependency a parked block waits for: the hash of a
//missing previous or source block, or an account key reinterpreted as one.
type UncheckedKey = types.Hash

//UncheckedMap parks blocks whose dependency is not yet in the ledger. When
//the dependency arrives, Trigger hands the parked blocks back for
//reprocessing. The map is bounded; the oldest key is evicted when full.
type UncheckedMap struct {
	mu       sync.Mutex
	entries  map[UncheckedKey][]*types.Block
	order    []UncheckedKey
	maxKeys  int
	satisfed *common.ObserverSet[[]*types.Block]
}

func NewUncheckedMap(maxKeys int) *UncheckedMap {
	return &UncheckedMap{
		entries:  make(map[UncheckedKey][]*types.Block),
		maxKeys:  maxKeys,
		satisfed: &common.ObserverSet[[]*types.Block]{},
	}
}

//OnSatisfied registers a callback for blocks released by Trigger
func (u *UncheckedMap) OnSatisfied(fn func([]*types.Block)) {
	u.satisfed.Add(fn)
}

//Put parks a block under its dependency key
func (u *UncheckedMap) Put(key UncheckedKey, block *types.Block) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.entries[key]; !ok {
		if len(u.order) >= u.maxKeys {
			oldest := u.order[0]
			u.order = u.order[1:]
			delete(u.entries, oldest)
		}
		u.order = append(u.order, key)
	}

	//Avoid parking the same block twice under one key
	hash := block.Hash()
	for _, parked := range u.entries[key] {
		if parked.Hash() == hash {
			return
		}
	}
	u.entries[key] = append(u.entries[key], block)
}

//Trigger releases the blocks parked under key and notifies the satisfied
//observers outside the map mutex
func (u *UncheckedMap) Trigger(key UncheckedKey) []*types.Block {
	u.mu.Lock()
	blocks := u.entries[key]
	if blocks != nil {
		delete(u.entries, key)
		for i, k := range u.order {
			if k == key {
				u.order = append(u.order[:i], u.order[i+1:]...)
				break
			}
		}
	}
	u.mu.Unlock()

	if len(blocks) > 0 {
		u.satisfed.Notify(blocks)
	}
	return blocks
}

//Del drops the blocks parked under key without notifying
func (u *UncheckedMap) Del(key UncheckedKey) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.entries[key]; !ok {
		return
	}
	delete(u.entries, key)
	for i, k := range u.order {
		if k == key {
			u.order = append(u.order[:i], u.order[i+1:]...)
			break
		}
	}
}

//Size returns the number of parked blocks
func (u *UncheckedMap) Size() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	total := 0
	for _, blocks := range u.entries {
		total += len(blocks)
	}
	return total
}

//ContainerInfo implements common.ContainerInfoProvider
func (u *UncheckedMap) ContainerInfo() common.ContainerInfo {
	u.mu.Lock()
	defer u.mu.Unlock()

	total := 0
	for _, blocks := range u.entries {
		total += len(blocks)
	}
	return common.ContainerInfo{
		Name: "unchecked",
		Children: []common.ContainerInfo{
			{Name: "keys", Count: len(u.entries)},
			{Name: "blocks", Count: total},
		},
	}
}
