package ledger

import (
	"github.com/pkg/errors"
)

//Table identifies one of the KV tables the ledger writes
type Table uint8

const (
	TableAccounts Table = iota
	TableBlocks
	TableFrontiers
	TablePending
	TableConfirmation
)

func (t Table) String() string {
	switch t {
	case TableAccounts:
		return "accounts"
	case TableBlocks:
		return "blocks"
	case TableFrontiers:
		return "frontiers"
	case TablePending:
		return "pending"
	case TableConfirmation:
		return "confirmation_height"
	}
	return "unknown"
}

//ErrNotFound is returned by Get when a key is absent
var ErrNotFound = errors.New("key not found")

//ReadTx is a read-only view of the store
type ReadTx interface {
	Get(table Table, key []byte) ([]byte, error)

	//HasPrefix reports whether any key in the table starts with prefix
	HasPrefix(table Table, prefix []byte) (bool, error)

	Discard()
}

//WriteTx is a read-write transaction scoped to the tables it was opened
//with. Writes outside that scope panic: the write queue serialises writers
//by table group, so an out-of-scope write is an invariant violation.
type WriteTx interface {
	ReadTx
	Put(table Table, key, value []byte) error
	Delete(table Table, key []byte) error
	Commit() error
}

//Store is an opaque multi-table KV store with transactions
type Store interface {
	TxBeginRead() ReadTx
	TxBeginWrite(tables ...Table) WriteTx

	//MaxWriteBatch bounds the number of blocks one write transaction
	//should carry
	MaxWriteBatch() int

	Close() error
}
