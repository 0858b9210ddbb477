package node_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-network/trellis/src/config"
	"github.com/trellis-network/trellis/src/consensus"
	"github.com/trellis-network/trellis/src/crypto/keys"
	"github.com/trellis-network/trellis/src/ledger"
	"github.com/trellis-network/trellis/src/node"
	"github.com/trellis-network/trellis/src/process"
	"github.com/trellis-network/trellis/src/testutil"
	"github.com/trellis-network/trellis/src/types"
)

func newTestNode(t *testing.T) (*node.Node, *testutil.Chain) {
	t.Helper()

	genesis := testutil.NewChain(t)

	conf := config.NewTestConfig(t)
	conf.BindAddr = "127.0.0.1:0"
	conf.GenesisAccount = genesis.Account.String()

	key, err := keys.GenerateKey()
	require.NoError(t, err)

	n, err := node.NewNode(conf, key)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(n.Shutdown)

	return n, genesis
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNodeHappyPath(t *testing.T) {
	n, genesis := newTestNode(t)
	dest := testutil.NewChain(t)

	rep := testutil.NewChain(t)
	n.Reps().Register(rep.Account, 1000, nil)

	started := make(chan *consensus.Election, 8)
	n.ActiveElections().ActiveStarted.Add(func(election *consensus.Election) {
		started <- election
	})

	status, ok := n.Submit(genesis.Genesis(100000))
	require.True(t, ok)
	require.Equal(t, ledger.Progress, status)

	send := genesis.Send(dest.Account, 1)
	status, ok = n.Submit(send)
	require.True(t, ok)
	require.Equal(t, ledger.Progress, status)

	//The scheduler starts an election for the send; it is active from the
	//moment the started observer fires
	root := send.QualifiedRoot()
	waitFor(t, "election to start", func() bool {
		return n.ActiveElections().Election(root) != nil
	})

	select {
	case election := <-started:
		assert.Equal(t, consensus.StateActive, election.State())
	case <-time.After(5 * time.Second):
		t.Fatal("started observer never fired")
	}

	//A principal representative reaching quorum confirms and cements
	election := n.ActiveElections().Election(root)
	require.True(t, election.Vote(rep.Account, 1, send.Hash(), 1000))

	waitFor(t, "block to be cemented", func() bool {
		tx := n.Ledger().Store().TxBeginRead()
		defer tx.Discard()
		return n.Ledger().BlockConfirmed(tx, send.Hash())
	})

	waitFor(t, "confirmation history entry", func() bool {
		for _, status := range n.RecentlyCemented() {
			if status.Winner != nil && status.Winner.Hash() == send.Hash() {
				return true
			}
		}
		return false
	})
}

func TestNodeForkJoinsElection(t *testing.T) {
	n, genesis := newTestNode(t)
	a := testutil.NewChain(t)
	b := testutil.NewChain(t)

	status, ok := n.Submit(genesis.Genesis(100000))
	require.True(t, ok)
	require.Equal(t, ledger.Progress, status)

	sendA := genesis.SendDetached(a.Account, 10)
	sendB := genesis.SendDetached(b.Account, 10)
	require.Equal(t, sendA.QualifiedRoot(), sendB.QualifiedRoot())

	status, ok = n.Submit(sendA)
	require.True(t, ok)
	require.Equal(t, ledger.Progress, status)

	root := sendA.QualifiedRoot()
	waitFor(t, "election to start", func() bool {
		return n.ActiveElections().Election(root) != nil
	})

	//The fork arrives from the network and joins the same election
	n.Processor().Add(sendB, process.SourceLive, nil)

	waitFor(t, "fork to join the election", func() bool {
		election := n.ActiveElections().Election(root)
		return election != nil && len(election.Blocks()) == 2
	})

	//Exactly one election exists for the conflicted root
	assert.Equal(t, 1, countElectionsForRoot(n, root))
}

func countElectionsForRoot(n *node.Node, root types.QualifiedRoot) int {
	count := 0
	for _, election := range n.ActiveElections().List() {
		if election.QualifiedRoot() == root {
			count++
		}
	}
	return count
}

func TestNodeForceSwapsWinner(t *testing.T) {
	n, genesis := newTestNode(t)
	a := testutil.NewChain(t)
	b := testutil.NewChain(t)

	status, ok := n.Submit(genesis.Genesis(100000))
	require.True(t, ok)
	require.Equal(t, ledger.Progress, status)

	sendA := genesis.SendDetached(a.Account, 10)
	sendB := genesis.SendDetached(b.Account, 10)

	status, ok = n.Submit(sendA)
	require.True(t, ok)
	require.Equal(t, ledger.Progress, status)

	//A vote below quorum leaves the election running but lands in the
	//local vote history
	rep := testutil.NewChain(t)
	n.Reps().Register(rep.Account, 10, nil)

	root := sendA.QualifiedRoot()
	waitFor(t, "election to start", func() bool {
		return n.ActiveElections().Election(root) != nil
	})
	require.Equal(t, 1, n.Router().Vote(rep.Account, 1, []types.Hash{sendA.Hash()}))
	require.NotEmpty(t, n.Router().HistoryVotes(sendA.Root()))

	rolledBack := make(chan *types.Block, 4)
	n.Processor().RolledBack.Add(func(event process.RollbackEvent) {
		rolledBack <- event.Block
	})

	n.Processor().Force(sendB)

	waitFor(t, "forced block to win the root", func() bool {
		tx := n.Ledger().Store().TxBeginRead()
		defer tx.Discard()
		successor := n.Ledger().Successor(tx, sendB.QualifiedRoot())
		return successor != nil && successor.Hash() == sendB.Hash()
	})

	select {
	case block := <-rolledBack:
		assert.Equal(t, sendA.Hash(), block.Hash())
	case <-time.After(5 * time.Second):
		t.Fatal("rollback observer never fired")
	}

	//The rollback wiped the root's local vote history
	waitFor(t, "vote history to be erased", func() bool {
		return len(n.Router().HistoryVotes(sendA.Root())) == 0
	})
}

func TestNodeStatsAndContainers(t *testing.T) {
	n, genesis := newTestNode(t)

	_, ok := n.Submit(genesis.Genesis(1000))
	require.True(t, ok)

	stats := n.GetStats()
	assert.Contains(t, stats, "processor_queue")
	assert.Contains(t, stats, "active_elections")
	assert.Contains(t, stats, "num_peers")

	infos := n.ContainerInfos()
	assert.NotEmpty(t, infos)

	names := map[string]bool{}
	for _, info := range infos {
		names[info.Name] = true
	}
	assert.True(t, names["block_processor"])
	assert.True(t, names["active_elections"])
	assert.True(t, names["confirming_set"])
}

func TestNodeShutdownTwice(t *testing.T) {
	n, _ := newTestNode(t)
	n.Shutdown()
	n.Shutdown() //idempotent
}
