package consensus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/consensus"
	"github.com/trellis-network/trellis/src/ledger"
	"github.com/trellis-network/trellis/src/metrics"
	"github.com/trellis-network/trellis/src/testutil"
	"github.com/trellis-network/trellis/src/types"
)

func newConfirmingSet(t *testing.T, l *ledger.Ledger) *consensus.ConfirmingSet {
	t.Helper()
	return consensus.NewConfirmingSet(
		l,
		ledger.NewWriteQueue(),
		250*time.Millisecond,
		metrics.NopConfirmingMetrics(),
		common.NewTestEntry(t, "confirming"),
	)
}

func TestConfirmingSetCements(t *testing.T) {
	defer leaktest.Check(t)()

	l := testutil.NewLedger(t)
	genesis := testutil.NewChain(t)
	l.SetGenesis(genesis.Account)
	dest := testutil.NewChain(t)

	open := genesis.Genesis(1000)
	testutil.Process(t, l, open, ledger.Progress)
	send := genesis.Send(dest.Account, 10)
	testutil.Process(t, l, send, ledger.Progress)

	s := newConfirmingSet(t, l)

	cemented := make(chan consensus.CementedEvent, 8)
	s.Cemented.Add(func(event consensus.CementedEvent) {
		cemented <- event
	})

	s.Start()
	defer s.Stop()

	s.Add(send.Hash())

	//Cementing the send pulls the open in first; observer order matches
	//the ledger's cement order
	first := receiveEvent(t, cemented)
	assert.Equal(t, open.Hash(), first.Block.Hash())
	assert.Equal(t, send.Hash(), first.ConfirmationRoot)

	second := receiveEvent(t, cemented)
	assert.Equal(t, send.Hash(), second.Block.Hash())

	tx := l.Store().TxBeginRead()
	defer tx.Discard()
	assert.True(t, l.BlockConfirmed(tx, send.Hash()))
}

func receiveEvent(t *testing.T, ch chan consensus.CementedEvent) consensus.CementedEvent {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("cemented observer never fired")
		return consensus.CementedEvent{}
	}
}

func TestConfirmingSetAlreadyCemented(t *testing.T) {
	defer leaktest.Check(t)()

	l := testutil.NewLedger(t)
	genesis := testutil.NewChain(t)
	l.SetGenesis(genesis.Account)

	open := genesis.Genesis(1000)
	testutil.Process(t, l, open, ledger.Progress)

	s := newConfirmingSet(t, l)

	var mu sync.Mutex
	var cementedCount, alreadyCount int
	s.Cemented.Add(func(consensus.CementedEvent) {
		mu.Lock()
		cementedCount++
		mu.Unlock()
	})
	s.AlreadyCemented.Add(func(types.Hash) {
		mu.Lock()
		alreadyCount++
		mu.Unlock()
	})

	s.Start()
	defer s.Stop()

	//Submit the same hash repeatedly, including concurrently
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(open.Hash())
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := cementedCount+alreadyCount > 0 && s.Size() == 0
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	//Re-adding after completion reports already cemented
	s.Add(open.Hash())

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := alreadyCount >= 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	//The height advanced exactly once
	assert.Equal(t, 1, cementedCount)
	assert.GreaterOrEqual(t, alreadyCount, 1)
}

func TestConfirmingSetExists(t *testing.T) {
	defer leaktest.Check(t)()

	l := testutil.NewLedger(t)
	genesis := testutil.NewChain(t)
	l.SetGenesis(genesis.Account)
	open := genesis.Genesis(1000)
	testutil.Process(t, l, open, ledger.Progress)

	s := newConfirmingSet(t, l)

	//Before the worker starts, Add is visible through Exists
	s.Add(open.Hash())
	assert.True(t, s.Exists(open.Hash()))
	assert.Equal(t, 1, s.Size())

	//Deduplicated
	s.Add(open.Hash())
	assert.Equal(t, 1, s.Size())

	require.False(t, s.Exists(types.Hash{42}))

	s.Start()
	s.Stop()
}
