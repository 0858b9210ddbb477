package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-network/trellis/src/ledger"
	"github.com/trellis-network/trellis/src/testutil"
	"github.com/trellis-network/trellis/src/types"
)

func TestUncheckedPutTrigger(t *testing.T) {
	u := ledger.NewUncheckedMap(100)
	chain := testutil.NewChain(t)
	block := chain.Genesis(100)

	key := types.Hash{1}
	u.Put(key, block)
	u.Put(key, block) //duplicate parks once
	assert.Equal(t, 1, u.Size())

	var released []*types.Block
	u.OnSatisfied(func(blocks []*types.Block) {
		released = append(released, blocks...)
	})

	blocks := u.Trigger(key)
	require.Len(t, blocks, 1)
	assert.Equal(t, block.Hash(), blocks[0].Hash())
	require.Len(t, released, 1)
	assert.Equal(t, 0, u.Size())

	//A second trigger finds nothing
	assert.Empty(t, u.Trigger(key))
}

func TestUncheckedEviction(t *testing.T) {
	u := ledger.NewUncheckedMap(2)
	chain := testutil.NewChain(t)
	block := chain.Genesis(100)

	u.Put(types.Hash{1}, block)
	u.Put(types.Hash{2}, block)
	u.Put(types.Hash{3}, block)

	//The oldest key was evicted
	assert.Empty(t, u.Trigger(types.Hash{1}))
	assert.Len(t, u.Trigger(types.Hash{2}), 1)
	assert.Len(t, u.Trigger(types.Hash{3}), 1)
}

func TestUncheckedDel(t *testing.T) {
	u := ledger.NewUncheckedMap(100)
	chain := testutil.NewChain(t)
	block := chain.Genesis(100)

	u.Put(types.Hash{1}, block)
	u.Del(types.Hash{1})
	assert.Equal(t, 0, u.Size())
	assert.Empty(t, u.Trigger(types.Hash{1}))
}
