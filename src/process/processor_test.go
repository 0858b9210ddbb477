package process_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/ledger"
	"github.com/trellis-network/trellis/src/metrics"
	"github.com/trellis-network/trellis/src/process"
	"github.com/trellis-network/trellis/src/testutil"
	"github.com/trellis-network/trellis/src/types"
)

type fixture struct {
	ledger    *ledger.Ledger
	unchecked *ledger.UncheckedMap
	processor *process.BlockProcessor
}

func newFixture(t *testing.T, config process.Config) *fixture {
	t.Helper()

	l := testutil.NewLedger(t)
	unchecked := ledger.NewUncheckedMap(1024)
	p := process.NewBlockProcessor(
		config,
		l,
		ledger.NewWriteQueue(),
		unchecked,
		0,
		metrics.NopProcessorMetrics(),
		common.NewTestEntry(t, "processor"),
	)
	return &fixture{ledger: l, unchecked: unchecked, processor: p}
}

func defaultTestConfig() process.Config {
	config := process.DefaultConfig()
	config.BlockProcessTimeout = 5 * time.Second
	return config
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAddBlockingProgressThenOld(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	f.processor.Start()
	defer f.processor.Stop()

	genesis := testutil.NewChain(t)
	f.ledger.SetGenesis(genesis.Account)
	open := genesis.Genesis(1000)

	status, ok := f.processor.AddBlocking(open, process.SourceLocal)
	require.True(t, ok)
	assert.Equal(t, ledger.Progress, status)

	status, ok = f.processor.AddBlocking(open, process.SourceLocal)
	require.True(t, ok)
	assert.Equal(t, ledger.Old, status)
}

func TestBackpressure(t *testing.T) {
	config := defaultTestConfig()
	config.FullSize = 10

	//The processor is not started, so nothing drains the queue
	f := newFixture(t, config)

	genesis := testutil.NewChain(t)
	f.ledger.SetGenesis(genesis.Account)
	other := testutil.NewChain(t)

	blocks := []*types.Block{genesis.Genesis(1000)}
	for i := 0; i < 11; i++ {
		blocks = append(blocks, genesis.Send(other.Account, 1))
	}

	accepted := 0
	for _, block := range blocks {
		if f.processor.Add(block, process.SourceLive, nil) {
			accepted++
		}
	}

	assert.Equal(t, 10, accepted)
	assert.Equal(t, 10, f.processor.Size())
	assert.True(t, f.processor.Full())
}

func TestAddBlockingZeroTimeout(t *testing.T) {
	config := defaultTestConfig()
	config.BlockProcessTimeout = 0

	//Not started: the result can never be ready immediately
	f := newFixture(t, config)

	genesis := testutil.NewChain(t)
	f.ledger.SetGenesis(genesis.Account)

	start := time.Now()
	_, ok := f.processor.AddBlocking(genesis.Genesis(1000), process.SourceLocal)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestForkStatus(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	f.processor.Start()
	defer f.processor.Stop()

	genesis := testutil.NewChain(t)
	f.ledger.SetGenesis(genesis.Account)
	a := testutil.NewChain(t)
	b := testutil.NewChain(t)

	_, ok := f.processor.AddBlocking(genesis.Genesis(1000), process.SourceLocal)
	require.True(t, ok)

	sendA := genesis.SendDetached(a.Account, 100)
	sendB := genesis.SendDetached(b.Account, 100)

	status, ok := f.processor.AddBlocking(sendA, process.SourceLocal)
	require.True(t, ok)
	assert.Equal(t, ledger.Progress, status)

	status, ok = f.processor.AddBlocking(sendB, process.SourceLive)
	require.True(t, ok)
	assert.Equal(t, ledger.Fork, status)
}

func TestForceRollsBackCompetitor(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	f.processor.Start()
	defer f.processor.Stop()

	genesis := testutil.NewChain(t)
	f.ledger.SetGenesis(genesis.Account)
	a := testutil.NewChain(t)
	b := testutil.NewChain(t)

	_, ok := f.processor.AddBlocking(genesis.Genesis(1000), process.SourceLocal)
	require.True(t, ok)

	sendA := genesis.SendDetached(a.Account, 100)
	sendB := genesis.SendDetached(b.Account, 100)

	rolledBack := make(chan process.RollbackEvent, 8)
	f.processor.RolledBack.Add(func(event process.RollbackEvent) {
		rolledBack <- event
	})

	status, ok := f.processor.AddBlocking(sendA, process.SourceLocal)
	require.True(t, ok)
	require.Equal(t, ledger.Progress, status)

	f.processor.Force(sendB)

	waitFor(t, "forced block to win the root", func() bool {
		tx := f.ledger.Store().TxBeginRead()
		defer tx.Discard()
		successor := f.ledger.Successor(tx, sendB.QualifiedRoot())
		return successor != nil && successor.Hash() == sendB.Hash()
	})

	select {
	case event := <-rolledBack:
		assert.Equal(t, sendA.Hash(), event.Block.Hash())
		assert.Equal(t, sendB.QualifiedRoot(), event.InitiatingRoot)
	case <-time.After(5 * time.Second):
		t.Fatal("rollback observer never fired")
	}
}

func TestGapParksInUnchecked(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	f.processor.Start()
	defer f.processor.Stop()

	genesis := testutil.NewChain(t)
	f.ledger.SetGenesis(genesis.Account)
	other := testutil.NewChain(t)

	_, ok := f.processor.AddBlocking(genesis.Genesis(1000), process.SourceLocal)
	require.True(t, ok)

	send1 := genesis.Send(other.Account, 10)
	send2 := genesis.Send(other.Account, 10)

	//send2 arrives before its predecessor and is parked
	status, ok := f.processor.AddBlocking(send2, process.SourceLive)
	require.True(t, ok)
	require.Equal(t, ledger.GapPrevious, status)
	assert.Equal(t, 1, f.unchecked.Size())

	//Its dependency arriving releases it for reprocessing
	status, ok = f.processor.AddBlocking(send1, process.SourceLive)
	require.True(t, ok)
	require.Equal(t, ledger.Progress, status)

	waitFor(t, "parked block to be processed", func() bool {
		tx := f.ledger.Store().TxBeginRead()
		defer tx.Discard()
		return f.ledger.BlockExists(tx, send2.Hash())
	})
}

func TestStopJoins(t *testing.T) {
	f := newFixture(t, defaultTestConfig())
	f.processor.Start()

	genesis := testutil.NewChain(t)
	f.ledger.SetGenesis(genesis.Account)
	f.processor.Add(genesis.Genesis(1000), process.SourceLocal, nil)

	f.processor.Stop()

	//Adding after stop is refused
	assert.False(t, f.processor.Add(genesis.Genesis(1000), process.SourceLocal, nil))
}
