package consensus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/consensus"
	"github.com/trellis-network/trellis/src/ledger"
	"github.com/trellis-network/trellis/src/metrics"
	"github.com/trellis-network/trellis/src/testutil"
	"github.com/trellis-network/trellis/src/transport"
	"github.com/trellis-network/trellis/src/types"
)

type activeFixture struct {
	ledger  *ledger.Ledger
	reps    *consensus.StaticReps
	confirm *consensus.ConfirmingSet
	active  *consensus.ActiveElections
}

func newActiveFixture(t *testing.T, config consensus.ActiveConfig) *activeFixture {
	t.Helper()

	l := testutil.NewLedger(t)
	writeQueue := ledger.NewWriteQueue()
	reps := consensus.NewStaticReps(100)
	router := consensus.NewVoteRouter(reps)
	confirm := consensus.NewConfirmingSet(l, writeQueue, 250*time.Millisecond, metrics.NopConfirmingMetrics(), common.NewTestEntry(t, "confirming"))
	channels := transport.NewChannelTable(nil, nil, metrics.NopTransportMetrics(), common.NewTestEntry(t, "channels"))

	active := consensus.NewActiveElections(
		config,
		l,
		confirm,
		router,
		reps,
		channels,
		metrics.NopElectionMetrics(),
		common.NewTestEntry(t, "active"),
	)
	return &activeFixture{ledger: l, reps: reps, confirm: confirm, active: active}
}

func testActiveConfig() consensus.ActiveConfig {
	config := consensus.DefaultActiveConfig()
	config.Size = 10
	config.HintedLimitPercentage = 20
	config.OptimisticLimitPercentage = 10
	return config
}

func TestInsertAtMostOnePerRoot(t *testing.T) {
	f := newActiveFixture(t, testActiveConfig())

	genesis := testutil.NewChain(t)
	block := genesis.Genesis(1000)

	first := f.active.Insert(block, consensus.BehaviorPriority, 0, nil)
	require.True(t, first.Inserted)
	require.NotNil(t, first.Election)

	//Insertion activates immediately; elections never idle in passive
	assert.Equal(t, consensus.StateActive, first.Election.State())

	second := f.active.Insert(block, consensus.BehaviorPriority, 0, nil)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.Election, second.Election)

	assert.Equal(t, 1, f.active.Size())
}

func TestRecentlyConfirmedSuppression(t *testing.T) {
	f := newActiveFixture(t, testActiveConfig())

	genesis := testutil.NewChain(t)
	dest := testutil.NewChain(t)
	genesis.Genesis(1000)
	sendA := genesis.SendDetached(dest.Account, 10)
	sendB := genesis.SendDetached(dest.Account, 20)

	rep := testutil.NewChain(t)
	f.reps.Register(rep.Account, 200, nil)

	result := f.active.Insert(sendA, consensus.BehaviorPriority, 0, nil)
	require.True(t, result.Inserted)

	//Reach quorum; the root lands in the recently-confirmed cache
	require.True(t, result.Election.Vote(rep.Account, 1, sendA.Hash(), 200))
	require.True(t, result.Election.Confirmed())

	f.active.Erase(sendA.QualifiedRoot())

	//A competing block for the decided root gets no election
	again := f.active.Insert(sendB, consensus.BehaviorPriority, 0, nil)
	assert.False(t, again.Inserted)
	assert.Nil(t, again.Election)
}

func TestPublishAddsCompetingBlock(t *testing.T) {
	f := newActiveFixture(t, testActiveConfig())

	genesis := testutil.NewChain(t)
	a := testutil.NewChain(t)
	b := testutil.NewChain(t)
	genesis.Genesis(1000)
	sendA := genesis.SendDetached(a.Account, 10)
	sendB := genesis.SendDetached(b.Account, 10)

	result := f.active.Insert(sendA, consensus.BehaviorPriority, 0, nil)
	require.True(t, result.Inserted)

	assert.True(t, f.active.Publish(sendB))
	assert.Len(t, result.Election.Blocks(), 2)

	//Publishing with no election for the root is refused
	other := testutil.NewChain(t)
	assert.False(t, f.active.Publish(other.Genesis(5)))
}

func TestVacancyLimits(t *testing.T) {
	f := newActiveFixture(t, testActiveConfig())

	//Size=10: hinted 20% => 2, optimistic 10% => 1
	assert.Equal(t, 10, f.active.Vacancy(consensus.BehaviorPriority))
	assert.Equal(t, 2, f.active.Vacancy(consensus.BehaviorHinted))
	assert.Equal(t, 1, f.active.Vacancy(consensus.BehaviorOptimistic))

	genesis := testutil.NewChain(t)
	block := genesis.Genesis(1000)
	f.active.Insert(block, consensus.BehaviorPriority, 0, nil)

	assert.Equal(t, 9, f.active.Vacancy(consensus.BehaviorPriority))
	assert.Equal(t, 1, f.active.SizeBehavior(consensus.BehaviorPriority))

	//Manual elections are unbounded
	assert.Greater(t, f.active.Vacancy(consensus.BehaviorManual), 1<<40)
}

func TestEraseNotifiesBucket(t *testing.T) {
	f := newActiveFixture(t, testActiveConfig())

	genesis := testutil.NewChain(t)
	block := genesis.Genesis(1000)

	var erased []*consensus.Election
	result := f.active.Insert(block, consensus.BehaviorPriority, 7, func(e *consensus.Election) {
		erased = append(erased, e)
	})
	require.True(t, result.Inserted)
	assert.Equal(t, uint64(7), result.Election.Priority())

	dropped := make(chan *types.Block, 4)
	f.active.BlockDropped.Add(func(b *types.Block) {
		dropped <- b
	})

	require.True(t, f.active.Erase(block.QualifiedRoot()))
	require.Len(t, erased, 1)
	assert.Equal(t, result.Election, erased[0])
	assert.Equal(t, 0, f.active.Size())

	//The unconfirmed candidate is reported dropped
	select {
	case b := <-dropped:
		assert.Equal(t, block.Hash(), b.Hash())
	default:
		t.Fatal("dropped observer never fired")
	}

	//Erasing again is a no-op
	assert.False(t, f.active.Erase(block.QualifiedRoot()))
}

func TestOnBlockCementedStatusTypes(t *testing.T) {
	f := newActiveFixture(t, testActiveConfig())

	genesis := testutil.NewChain(t)
	dest := testutil.NewChain(t)
	f.ledger.SetGenesis(genesis.Account)
	open := genesis.Genesis(1000)
	testutil.Process(t, f.ledger, open, ledger.Progress)
	send := genesis.Send(dest.Account, 10)
	testutil.Process(t, f.ledger, send, ledger.Progress)

	//No election at all: inactive_confirmation_height
	f.active.OnBlockCemented(consensus.CementedEvent{Block: open, ConfirmationRoot: open.Hash()})

	history := f.active.RecentlyCementedList()
	require.Len(t, history, 1)
	assert.Equal(t, consensus.StatusInactiveConfirmationHeight, history[0].Type)

	//A live election settles through try_confirm: active_confirmation_height
	result := f.active.Insert(send, consensus.BehaviorPriority, 0, nil)
	require.True(t, result.Inserted)

	f.active.OnBlockCemented(consensus.CementedEvent{Block: send, ConfirmationRoot: send.Hash()})
	assert.True(t, result.Election.Confirmed())

	history = f.active.RecentlyCementedList()
	require.Len(t, history, 2)
	assert.Equal(t, consensus.StatusActiveConfirmationHeight, history[1].Type)
}
