package ledger

import (
	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
)

//BadgerStore persists the ledger tables in a Badger database. Table
//membership is encoded as a one-byte key prefix.
type BadgerStore struct {
	db   *badger.DB
	path string
}

//NewBadgerStore opens (or creates) a Badger database at path
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening badger database")
	}
	return &BadgerStore{
		db:   handle,
		path: path,
	}, nil
}

//Path returns the database directory
func (s *BadgerStore) Path() string {
	return s.path
}

//TxBeginRead implements the Store interface
func (s *BadgerStore) TxBeginRead() ReadTx {
	return &badgerReadTx{txn: s.db.NewTransaction(false)}
}

//TxBeginWrite implements the Store interface
func (s *BadgerStore) TxBeginWrite(tables ...Table) WriteTx {
	scope := make(map[Table]bool, len(tables))
	for _, t := range tables {
		scope[t] = true
	}
	return &badgerWriteTx{
		txn:   s.db.NewTransaction(true),
		scope: scope,
	}
}

//MaxWriteBatch implements the Store interface. Badger transactions are
//bounded in size; keep block batches comfortably below that.
func (s *BadgerStore) MaxWriteBatch() int {
	return 4096
}

//Close implements the Store interface
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func tableKey(table Table, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(table)
	copy(out[1:], key)
	return out
}

func badgerGet(txn *badger.Txn, table Table, key []byte) ([]byte, error) {
	item, err := txn.Get(tableKey(table, key))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "badger get")
	}
	return item.ValueCopy(nil)
}

func badgerHasPrefix(txn *badger.Txn, table Table, prefix []byte) (bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	p := tableKey(table, prefix)
	it.Seek(p)
	return it.ValidForPrefix(p), nil
}

type badgerReadTx struct {
	txn *badger.Txn
}

func (tx *badgerReadTx) Get(table Table, key []byte) ([]byte, error) {
	return badgerGet(tx.txn, table, key)
}

func (tx *badgerReadTx) HasPrefix(table Table, prefix []byte) (bool, error) {
	return badgerHasPrefix(tx.txn, table, prefix)
}

func (tx *badgerReadTx) Discard() {
	tx.txn.Discard()
}

type badgerWriteTx struct {
	txn   *badger.Txn
	scope map[Table]bool
}

func (tx *badgerWriteTx) checkScope(table Table) {
	if !tx.scope[table] {
		panic("write transaction used outside its table scope: " + table.String())
	}
}

func (tx *badgerWriteTx) Get(table Table, key []byte) ([]byte, error) {
	return badgerGet(tx.txn, table, key)
}

func (tx *badgerWriteTx) HasPrefix(table Table, prefix []byte) (bool, error) {
	return badgerHasPrefix(tx.txn, table, prefix)
}

func (tx *badgerWriteTx) Put(table Table, key, value []byte) error {
	tx.checkScope(table)
	return tx.txn.Set(tableKey(table, key), value)
}

func (tx *badgerWriteTx) Delete(table Table, key []byte) error {
	tx.checkScope(table)
	return tx.txn.Delete(tableKey(table, key))
}

func (tx *badgerWriteTx) Commit() error {
	return tx.txn.Commit()
}

func (tx *badgerWriteTx) Discard() {
	tx.txn.Discard()
}
