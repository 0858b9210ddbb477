//Package testutil builds signed account chains for tests. Chains mirror the
//ledger state they expect, so tests can mint forks and successors without
//re-deriving balances.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/trellis-network/trellis/src/common"
	"github.com/trellis-network/trellis/src/ledger"
	"github.com/trellis-network/trellis/src/types"
)

//Chain is one account's key and expected ledger position
type Chain struct {
	Key     ed25519.PrivateKey
	Account types.Account

	head    types.Hash
	balance types.Amount
}

//NewChain creates an account with a fresh random key
func NewChain(t testing.TB) *Chain {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	account, err := types.AccountFromBytes(pub)
	if err != nil {
		t.Fatal(err)
	}
	return &Chain{Key: priv, Account: account}
}

func (c *Chain) sign(block *types.Block) *types.Block {
	block.Sign(c.Key)
	return block
}

//Head returns the hash of the chain's expected frontier
func (c *Chain) Head() types.Hash {
	return c.head
}

//Balance returns the chain's expected balance
func (c *Chain) Balance() types.Amount {
	return c.balance
}

//Genesis builds the open block minting the given supply. The account must
//be registered as the ledger genesis.
func (c *Chain) Genesis(supply types.Amount) *types.Block {
	block := c.sign(&types.Block{
		Type:           types.StateBlock,
		Account:        c.Account,
		Representative: c.Account,
		Balance:        supply,
	})
	c.head = block.Hash()
	c.balance = supply
	return block
}

//Open builds the block collecting the first send into this account
func (c *Chain) Open(send *types.Block, amount types.Amount) *types.Block {
	block := c.sign(&types.Block{
		Type:           types.StateBlock,
		Account:        c.Account,
		Representative: c.Account,
		Balance:        amount,
		Link:           types.Link(send.Hash()),
	})
	c.head = block.Hash()
	c.balance = amount
	return block
}

//Send builds a send of amount to the destination account
func (c *Chain) Send(destination types.Account, amount types.Amount) *types.Block {
	block := c.sign(&types.Block{
		Type:           types.StateBlock,
		Account:        c.Account,
		Previous:       c.head,
		Representative: c.Account,
		Balance:        c.balance - amount,
		Link:           types.Link(destination),
	})
	c.head = block.Hash()
	c.balance -= amount
	return block
}

//SendDetached builds a send without advancing the chain, for forks
func (c *Chain) SendDetached(destination types.Account, amount types.Amount) *types.Block {
	return c.sign(&types.Block{
		Type:           types.StateBlock,
		Account:        c.Account,
		Previous:       c.head,
		Representative: c.Account,
		Balance:        c.balance - amount,
		Link:           types.Link(destination),
	})
}

//Adopt moves the chain onto a detached block, after it was forced in
func (c *Chain) Adopt(block *types.Block) {
	c.head = block.Hash()
	c.balance = block.Balance
}

//Receive builds the block collecting a send into an already open account
func (c *Chain) Receive(send *types.Block, amount types.Amount) *types.Block {
	block := c.sign(&types.Block{
		Type:           types.StateBlock,
		Account:        c.Account,
		Previous:       c.head,
		Representative: c.Account,
		Balance:        c.balance + amount,
		Link:           types.Link(send.Hash()),
	})
	c.head = block.Hash()
	c.balance += amount
	return block
}

//NewLedger returns an in-memory ledger with no work requirement
func NewLedger(t testing.TB) *ledger.Ledger {
	t.Helper()
	return ledger.NewLedger(ledger.NewInmemStore(), 0, common.NewTestEntry(t, "ledger"))
}

//Process runs one block through the ledger in its own write transaction and
//fails the test unless it returns the wanted status
func Process(t testing.TB, l *ledger.Ledger, block *types.Block, want ledger.ProcessStatus) {
	t.Helper()

	tx := l.Store().TxBeginWrite(
		ledger.TableAccounts,
		ledger.TableBlocks,
		ledger.TableFrontiers,
		ledger.TablePending,
	)
	defer tx.Discard()

	if got := l.Process(tx, block); got != want {
		t.Fatalf("process %s: got %v, want %v", block.Hash().String()[:8], got, want)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}
