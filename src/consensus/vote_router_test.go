package consensus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-network/trellis/src/consensus"
	"github.com/trellis-network/trellis/src/testutil"
	"github.com/trellis-network/trellis/src/types"
)

func TestVoteRouterRoutesToElection(t *testing.T) {
	genesis := testutil.NewChain(t)
	block := genesis.Genesis(1000)

	rep := testutil.NewChain(t)
	reps := consensus.NewStaticReps(1000)
	reps.Register(rep.Account, 60, nil)

	router := consensus.NewVoteRouter(reps)
	election := newElection(t, block, reps, nil)
	router.Connect(block.Hash(), election)

	accepted := router.Vote(rep.Account, 1, []types.Hash{block.Hash()})
	assert.Equal(t, 1, accepted)

	//Votes from accounts with no weight are dropped
	stranger := testutil.NewChain(t)
	assert.Equal(t, 0, router.Vote(stranger.Account, 1, []types.Hash{block.Hash()}))

	//Unrouted hashes are ignored
	assert.Equal(t, 0, router.Vote(rep.Account, 1, []types.Hash{{42}}))

	router.Disconnect(election)
	assert.Nil(t, router.ElectionFor(block.Hash()))
	assert.Equal(t, 0, router.Vote(rep.Account, 2, []types.Hash{block.Hash()}))
}

func TestVoteRouterHistory(t *testing.T) {
	genesis := testutil.NewChain(t)
	a := testutil.NewChain(t)
	b := testutil.NewChain(t)
	genesis.Genesis(1000)
	sendA := genesis.SendDetached(a.Account, 10)
	sendB := genesis.SendDetached(b.Account, 10)
	root := sendA.Root()

	rep := testutil.NewChain(t)
	reps := consensus.NewStaticReps(1000)
	reps.Register(rep.Account, 60, nil)

	router := consensus.NewVoteRouter(reps)
	election := newElection(t, sendA, reps, nil)
	require.True(t, election.AddBlock(sendB))
	router.Connect(sendA.Hash(), election)
	router.Connect(sendB.Hash(), election)

	require.Equal(t, 1, router.Vote(rep.Account, 1, []types.Hash{sendA.Hash()}))

	votes := router.HistoryVotes(root)
	require.Len(t, votes, 1)
	assert.Equal(t, sendA.Hash(), votes[rep.Account])

	//A newer vote replaces the rep's recorded choice
	require.Equal(t, 1, router.Vote(rep.Account, 2, []types.Hash{sendB.Hash()}))
	votes = router.HistoryVotes(root)
	assert.Equal(t, sendB.Hash(), votes[rep.Account])

	//A rollback on the root wipes the history
	router.EraseHistory(root)
	assert.Empty(t, router.HistoryVotes(root))
}
