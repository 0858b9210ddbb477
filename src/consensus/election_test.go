package consensus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/consensus"
	"github.com/trellis-network/trellis/src/testutil"
	"github.com/trellis-network/trellis/src/types"
)

func newElection(t *testing.T, block *types.Block, reps consensus.RepProvider, onConfirmed func(*consensus.Election, *types.Block)) *consensus.Election {
	t.Helper()
	return consensus.NewElection(block, consensus.BehaviorPriority, 0, reps, onConfirmed, common.NewTestEntry(t, "election"))
}

func TestElectionQuorumConfirms(t *testing.T) {
	genesis := testutil.NewChain(t)
	block := genesis.Genesis(1000)

	rep1 := testutil.NewChain(t)
	rep2 := testutil.NewChain(t)

	reps := consensus.NewStaticReps(100)
	reps.Register(rep1.Account, 60, nil)
	reps.Register(rep2.Account, 60, nil)

	var confirmed []*types.Block
	e := newElection(t, block, reps, func(_ *consensus.Election, winner *types.Block) {
		confirmed = append(confirmed, winner)
	})

	require.True(t, e.Vote(rep1.Account, 1, block.Hash(), 60))
	assert.False(t, e.Confirmed())

	require.True(t, e.Vote(rep2.Account, 1, block.Hash(), 60))
	assert.True(t, e.Confirmed())
	require.Len(t, confirmed, 1)
	assert.Equal(t, block.Hash(), confirmed[0].Hash())

	//The callback fires once
	e.Vote(rep1.Account, 2, block.Hash(), 60)
	assert.Len(t, confirmed, 1)
}

func TestElectionRevote(t *testing.T) {
	genesis := testutil.NewChain(t)
	a := testutil.NewChain(t)
	b := testutil.NewChain(t)

	genesis.Genesis(1000)
	sendA := genesis.SendDetached(a.Account, 10)
	sendB := genesis.SendDetached(b.Account, 10)

	rep := testutil.NewChain(t)
	reps := consensus.NewStaticReps(1000)
	reps.Register(rep.Account, 60, nil)

	e := newElection(t, sendA, reps, nil)
	require.True(t, e.AddBlock(sendB))

	require.True(t, e.Vote(rep.Account, 1, sendA.Hash(), 60))
	assert.Equal(t, sendA.Hash(), e.Winner().Hash())

	//A newer vote moves the rep, and the lead, to the other fork
	require.True(t, e.Vote(rep.Account, 2, sendB.Hash(), 60))
	assert.Equal(t, sendB.Hash(), e.Winner().Hash())

	//A stale vote is ignored
	assert.False(t, e.Vote(rep.Account, 1, sendA.Hash(), 60))
	assert.Equal(t, sendB.Hash(), e.Winner().Hash())
}

func TestElectionTryConfirm(t *testing.T) {
	genesis := testutil.NewChain(t)
	block := genesis.Genesis(1000)

	reps := consensus.NewStaticReps(1000000)

	var confirmed int
	e := newElection(t, block, reps, func(*consensus.Election, *types.Block) {
		confirmed++
	})

	//An unknown hash does not confirm
	assert.False(t, e.TryConfirm(types.Hash{1}))

	assert.True(t, e.TryConfirm(block.Hash()))
	assert.True(t, e.Confirmed())
	assert.Equal(t, 1, confirmed)

	//Idempotent
	assert.False(t, e.TryConfirm(block.Hash()))
	assert.Equal(t, 1, confirmed)
}

func TestElectionCancel(t *testing.T) {
	genesis := testutil.NewChain(t)
	block := genesis.Genesis(1000)

	e := newElection(t, block, consensus.NewStaticReps(100), nil)
	e.Cancel()

	assert.Equal(t, consensus.StateCancelled, e.State())
	//Cancelled elections are dropped by the request loop
	assert.True(t, e.TransitionTime(nil))
}

func TestElectionAddBlockLimits(t *testing.T) {
	genesis := testutil.NewChain(t)
	genesis.Genesis(1000)

	dest := testutil.NewChain(t)
	first := genesis.SendDetached(dest.Account, 1)

	e := newElection(t, first, consensus.NewStaticReps(100), nil)

	//Same block again is refused
	assert.False(t, e.AddBlock(first))

	//A block for a different root is refused
	other := testutil.NewChain(t)
	otherOpen := other.Genesis(5)
	assert.False(t, e.AddBlock(otherOpen))

	added := 1
	for i := 2; i < 20; i++ {
		fork := genesis.SendDetached(dest.Account, types.Amount(i))
		if e.AddBlock(fork) {
			added++
		}
	}
	//The candidate table is bounded
	assert.Equal(t, 10, added)
	assert.Len(t, e.Blocks(), 10)
}
