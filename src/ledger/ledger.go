package ledger

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/trellis-network/trellis/src/types"
)

var (
	//ErrBlockMissing is returned when an operation references a hash that
	//is not in the ledger
	ErrBlockMissing = errors.New("block not found in ledger")

	//ErrConfirmedBlock is returned by Rollback when the block or one of
	//its descendants has already been cemented
	ErrConfirmedBlock = errors.New("block or descendant is confirmed")
)

//Ledger is the account-chain state machine over the store tables. All
//methods operate inside a caller-supplied transaction; the ledger itself
//holds no locks. Writers are serialised by the WriteQueue.
type Ledger struct {
	store         Store
	logger        *logrus.Entry
	workThreshold uint64
	epochLinks    map[types.Link]types.Epoch
	genesis       types.Account
	hasGenesis    bool
}

func NewLedger(store Store, workThreshold uint64, logger *logrus.Entry) *Ledger {
	return &Ledger{
		store:         store,
		logger:        logger,
		workThreshold: workThreshold,
		epochLinks:    make(map[types.Link]types.Epoch),
	}
}

//RegisterEpochLink declares a link value that upgrades accounts to epoch
func (l *Ledger) RegisterEpochLink(link types.Link, epoch types.Epoch) {
	l.epochLinks[link] = epoch
}

//SetGenesis declares the account whose open block mints the supply. Its
//open block is accepted without a matching receivable.
func (l *Ledger) SetGenesis(account types.Account) {
	l.genesis = account
	l.hasGenesis = true
}

//Store returns the underlying store
func (l *Ledger) Store() Store {
	return l.store
}

/* Reads */

//BlockGet returns a block with its sideband, or nil when absent
func (l *Ledger) BlockGet(tx ReadTx, hash types.Hash) *types.Block {
	data, err := tx.Get(TableBlocks, hash.Bytes())
	if err != nil {
		return nil
	}
	block, err := decodeBlock(data)
	if err != nil {
		panic(errors.Wrap(err, "corrupt block record"))
	}
	return block
}

//BlockExists reports whether a hash is in the ledger
func (l *Ledger) BlockExists(tx ReadTx, hash types.Hash) bool {
	_, err := tx.Get(TableBlocks, hash.Bytes())
	return err == nil
}

//AccountGet returns the account record, or nil when the chain is not open
func (l *Ledger) AccountGet(tx ReadTx, account types.Account) *AccountInfo {
	data, err := tx.Get(TableAccounts, account.Bytes())
	if err != nil {
		return nil
	}
	info, err := decodeAccountInfo(data)
	if err != nil {
		panic(errors.Wrap(err, "corrupt account record"))
	}
	return info
}

//PendingGet returns the receivable record for (destination, send)
func (l *Ledger) PendingGet(tx ReadTx, destination types.Account, send types.Hash) *PendingInfo {
	data, err := tx.Get(TablePending, pendingKey(destination, send))
	if err != nil {
		return nil
	}
	info, err := decodePendingInfo(data)
	if err != nil {
		panic(errors.Wrap(err, "corrupt pending record"))
	}
	return info
}

//AnyReceivable reports whether the account has at least one pending entry
func (l *Ledger) AnyReceivable(tx ReadTx, account types.Account) bool {
	found, err := tx.HasPrefix(TablePending, account.Bytes())
	if err != nil {
		panic(errors.Wrap(err, "scanning pending table"))
	}
	return found
}

//ConfirmationGet returns the cemented frontier of an account chain
func (l *Ledger) ConfirmationGet(tx ReadTx, account types.Account) ConfirmationInfo {
	data, err := tx.Get(TableConfirmation, account.Bytes())
	if err != nil {
		return ConfirmationInfo{}
	}
	info, err := decodeConfirmationInfo(data)
	if err != nil {
		panic(errors.Wrap(err, "corrupt confirmation record"))
	}
	return *info
}

//BlockConfirmed reports whether a block has been cemented
func (l *Ledger) BlockConfirmed(tx ReadTx, hash types.Hash) bool {
	block := l.BlockGet(tx, hash)
	if block == nil {
		return false
	}
	conf := l.ConfirmationGet(tx, block.Sideband().Account)
	return block.Sideband().Height <= conf.Height
}

//BlockSource returns the send hash a receive block collects, or the zero
//hash for non-receive blocks
func (l *Ledger) BlockSource(tx ReadTx, block *types.Block) types.Hash {
	switch {
	case block.Type == types.ReceiveBlock || block.Type == types.OpenBlock:
		return block.Source()
	case block.Type == types.StateBlock:
		if sb := block.Sideband(); sb != nil && sb.Details.IsReceive {
			return block.Link.Hash()
		}
	}
	return types.ZeroHash
}

//Successor returns the block currently occupying a chain position
func (l *Ledger) Successor(tx ReadTx, root types.QualifiedRoot) *types.Block {
	if root.Previous.IsZero() {
		//Open position: the successor is the account's open block
		info := l.AccountGet(tx, types.Account(root.Root))
		if info == nil {
			return nil
		}
		return l.BlockGet(tx, info.Open)
	}
	prev := l.BlockGet(tx, root.Previous)
	if prev == nil {
		return nil
	}
	succ := prev.Sideband().Successor
	if succ.IsZero() {
		return nil
	}
	return l.BlockGet(tx, succ)
}

//DependentsConfirmed reports whether every block this block depends on has
//been cemented
func (l *Ledger) DependentsConfirmed(tx ReadTx, block *types.Block) bool {
	if !block.Previous.IsZero() && !l.BlockConfirmed(tx, block.Previous) {
		return false
	}
	source := l.BlockSource(tx, block)
	if !source.IsZero() && !l.BlockConfirmed(tx, source) {
		return false
	}
	return true
}

//NextUnconfirmed returns the lowest unconfirmed block of an account chain,
//or nil when the chain is fully cemented
func (l *Ledger) NextUnconfirmed(tx ReadTx, account types.Account) *types.Block {
	info := l.AccountGet(tx, account)
	if info == nil {
		return nil
	}
	conf := l.ConfirmationGet(tx, account)
	if info.Height <= conf.Height {
		return nil
	}

	block := l.BlockGet(tx, info.Head)
	for block != nil && block.Sideband().Height > conf.Height+1 {
		block = l.BlockGet(tx, block.Previous)
	}
	return block
}

/* Process */

//Process validates a block against the ledger and, on progress, appends it
//to its account chain
func (l *Ledger) Process(tx WriteTx, block *types.Block) ProcessStatus {
	hash := block.Hash()

	if l.BlockExists(tx, hash) {
		return Old
	}
	if !block.VerifySignature() {
		return BadSignature
	}
	if !types.WorkValid(block, l.workThreshold) {
		return InsufficientWork
	}

	var status ProcessStatus
	if block.IsOpen() {
		status = l.processOpen(tx, block)
	} else {
		status = l.processAppend(tx, block)
	}

	if status == Progress {
		l.logger.WithFields(logrus.Fields{
			"hash":    hash.String(),
			"account": block.Account.String(),
		}).Debug("Processed block")
	}
	return status
}

func (l *Ledger) processOpen(tx WriteTx, block *types.Block) ProcessStatus {
	if block.Account.IsZero() {
		return OpenedBurnAccount
	}
	if l.AccountGet(tx, block.Account) != nil {
		//The open position is taken; this is a competing open block
		return Fork
	}

	if l.hasGenesis && block.Account == l.genesis {
		//The genesis open mints the supply; there is no send to collect
		return l.commit(tx, block, nil, types.Sideband{
			Account: block.Account,
			Height:  1,
			Balance: block.Balance,
			Details: types.SidebandDetails{Epoch: types.Epoch0},
		})
	}

	if epoch, ok := l.epochLinks[block.Link]; ok && block.Type == types.StateBlock {
		//Epoch open: the account must have something receivable, otherwise
		//there is nothing for the upgrade to front-run
		if !l.AnyReceivable(tx, block.Account) {
			return GapEpochOpenPending
		}
		if block.Balance != 0 {
			return BalanceMismatch
		}
		return l.commit(tx, block, nil, types.Sideband{
			Account: block.Account,
			Height:  1,
			Balance: 0,
			Details: types.SidebandDetails{Epoch: epoch, IsEpoch: true},
		})
	}

	//Regular open: receives the send referenced by the link
	source := block.Source()
	if !l.BlockExists(tx, source) {
		return GapSource
	}
	pending := l.PendingGet(tx, block.Account, source)
	if pending == nil {
		return Unreceivable
	}
	if block.Balance != pending.Amount {
		return BalanceMismatch
	}

	if err := tx.Delete(TablePending, pendingKey(block.Account, source)); err != nil {
		panic(errors.Wrap(err, "deleting pending record"))
	}
	return l.commit(tx, block, nil, types.Sideband{
		Account: block.Account,
		Height:  1,
		Balance: block.Balance,
		Details: types.SidebandDetails{Epoch: pending.Epoch, IsReceive: true},
	})
}

func (l *Ledger) processAppend(tx WriteTx, block *types.Block) ProcessStatus {
	prev := l.BlockGet(tx, block.Previous)
	if prev == nil {
		return GapPrevious
	}
	prevSb := prev.Sideband()
	if prevSb.Account != block.Account {
		return BlockPosition
	}

	info := l.AccountGet(tx, block.Account)
	if info == nil {
		return GapPrevious
	}
	if info.Head != block.Previous {
		//The previous block already has a successor
		return Fork
	}
	if prev.Type == types.StateBlock && block.Type != types.StateBlock {
		//Legacy blocks cannot follow state blocks
		return BlockPosition
	}

	details := types.SidebandDetails{Epoch: info.Epoch}

	switch block.Type {
	case types.SendBlock:
		if block.Balance > prevSb.Balance {
			return NegativeSpend
		}
		details.IsSend = true

	case types.ReceiveBlock:
		status := l.checkReceive(tx, block, prevSb)
		if status != Progress {
			return status
		}
		details.IsReceive = true

	case types.ChangeBlock:
		if block.Balance != prevSb.Balance {
			return BalanceMismatch
		}

	case types.StateBlock:
		if epoch, ok := l.epochLinks[block.Link]; ok && block.Balance == prevSb.Balance {
			//Epoch upgrade: balance and representative must be untouched
			if block.Representative != info.Representative {
				return RepresentativeMismatch
			}
			if epoch <= info.Epoch {
				return BlockPosition
			}
			details.Epoch = epoch
			details.IsEpoch = true
		} else if block.Balance < prevSb.Balance {
			details.IsSend = true
		} else if block.Balance > prevSb.Balance {
			status := l.checkReceive(tx, block, prevSb)
			if status != Progress {
				return status
			}
			details.IsReceive = true
		}
		//Equal balance with a zero link is a representative change

	default:
		return BlockPosition
	}

	if details.IsSend {
		amount := prevSb.Balance - block.Balance
		pending, err := encodePendingInfo(&PendingInfo{
			Source: block.Account,
			Amount: amount,
			Epoch:  details.Epoch,
		})
		if err != nil {
			panic(err)
		}
		if err := tx.Put(TablePending, pendingKey(block.Destination(), block.Hash()), pending); err != nil {
			panic(errors.Wrap(err, "writing pending record"))
		}
	}
	if details.IsReceive {
		if err := tx.Delete(TablePending, pendingKey(block.Account, block.Link.Hash())); err != nil {
			panic(errors.Wrap(err, "deleting pending record"))
		}
	}

	return l.commit(tx, block, prev, types.Sideband{
		Account: block.Account,
		Height:  prevSb.Height + 1,
		Balance: block.Balance,
		Details: details,
	})
}

//checkReceive validates the source and amount of a receive block
func (l *Ledger) checkReceive(tx WriteTx, block *types.Block, prevSb *types.Sideband) ProcessStatus {
	source := block.Link.Hash()
	if !l.BlockExists(tx, source) {
		return GapSource
	}
	pending := l.PendingGet(tx, block.Account, source)
	if pending == nil {
		return Unreceivable
	}
	if block.Balance != prevSb.Balance+pending.Amount {
		return BalanceMismatch
	}
	return Progress
}

//commit writes the block, relinks the chain head and updates the account
func (l *Ledger) commit(tx WriteTx, block *types.Block, prev *types.Block, sideband types.Sideband) ProcessStatus {
	hash := block.Hash()
	sideband.Timestamp = time.Now().Unix()
	block.SetSideband(&sideband)

	data, err := encodeBlock(block)
	if err != nil {
		panic(err)
	}
	if err := tx.Put(TableBlocks, hash.Bytes(), data); err != nil {
		panic(errors.Wrap(err, "writing block record"))
	}

	if prev != nil {
		prevSb := *prev.Sideband()
		prevSb.Successor = hash
		prev.SetSideband(&prevSb)
		prevData, err := encodeBlock(prev)
		if err != nil {
			panic(err)
		}
		if err := tx.Put(TableBlocks, prev.Hash().Bytes(), prevData); err != nil {
			panic(errors.Wrap(err, "relinking predecessor"))
		}
		if err := tx.Delete(TableFrontiers, prev.Hash().Bytes()); err != nil {
			panic(errors.Wrap(err, "moving frontier"))
		}
	}

	info := &AccountInfo{
		Head:           hash,
		Open:           hash,
		Representative: block.Representative,
		Balance:        sideband.Balance,
		Height:         sideband.Height,
		Epoch:          sideband.Details.Epoch,
	}
	if prev != nil {
		old := l.AccountGet(tx, block.Account)
		info.Open = old.Open
	}
	infoData, err := encodeAccountInfo(info)
	if err != nil {
		panic(err)
	}
	if err := tx.Put(TableAccounts, block.Account.Bytes(), infoData); err != nil {
		panic(errors.Wrap(err, "writing account record"))
	}
	if err := tx.Put(TableFrontiers, hash.Bytes(), block.Account.Bytes()); err != nil {
		panic(errors.Wrap(err, "writing frontier record"))
	}
	return Progress
}

/* Rollback */

//Rollback removes a block and everything that depends on it, returning the
//removed blocks newest-first. It fails without touching the chain of the
//target block when the block or a descendant has been cemented.
func (l *Ledger) Rollback(tx WriteTx, hash types.Hash) ([]*types.Block, error) {
	target := l.BlockGet(tx, hash)
	if target == nil {
		return nil, ErrBlockMissing
	}
	account := target.Sideband().Account
	conf := l.ConfirmationGet(tx, account)
	if target.Sideband().Height <= conf.Height {
		return nil, ErrConfirmedBlock
	}

	var rolledBack []*types.Block
	for {
		info := l.AccountGet(tx, account)
		if info == nil || info.Height < target.Sideband().Height {
			break
		}
		head := l.BlockGet(tx, info.Head)
		if head == nil {
			panic("account head missing from block table")
		}

		list, err := l.rollbackOne(tx, head)
		rolledBack = append(rolledBack, list...)
		if err != nil {
			return rolledBack, err
		}
		if head.Hash() == hash {
			break
		}
	}
	return rolledBack, nil
}

//rollbackOne removes a chain head. Receives that collected one of its sends
//are rolled back first, recursively.
func (l *Ledger) rollbackOne(tx WriteTx, head *types.Block) ([]*types.Block, error) {
	sb := head.Sideband()
	account := sb.Account
	hash := head.Hash()

	var rolledBack []*types.Block

	if sb.Details.IsSend {
		destination := head.Destination()
		if l.PendingGet(tx, destination, hash) == nil {
			//The send was collected; undo the receiving block first
			receiver, err := l.findReceiver(tx, destination, hash)
			if err != nil {
				return nil, err
			}
			sub, err := l.Rollback(tx, receiver)
			rolledBack = append(rolledBack, sub...)
			if err != nil {
				return rolledBack, err
			}
		}
		if err := tx.Delete(TablePending, pendingKey(destination, hash)); err != nil {
			panic(errors.Wrap(err, "removing pending record"))
		}
	}

	if sb.Details.IsReceive {
		source := l.BlockSource(tx, head)
		sourceBlock := l.BlockGet(tx, source)
		if sourceBlock == nil {
			panic("receive source missing from block table")
		}
		var prevBalance types.Amount
		if !head.Previous.IsZero() {
			prevBalance = l.BlockGet(tx, head.Previous).Sideband().Balance
		}
		pending, err := encodePendingInfo(&PendingInfo{
			Source: sourceBlock.Sideband().Account,
			Amount: sb.Balance - prevBalance,
			Epoch:  sourceBlock.Sideband().Details.Epoch,
		})
		if err != nil {
			panic(err)
		}
		if err := tx.Put(TablePending, pendingKey(account, source), pending); err != nil {
			panic(errors.Wrap(err, "restoring pending record"))
		}
	}

	//Unlink the head
	if err := tx.Delete(TableBlocks, hash.Bytes()); err != nil {
		panic(errors.Wrap(err, "removing block record"))
	}
	if err := tx.Delete(TableFrontiers, hash.Bytes()); err != nil {
		panic(errors.Wrap(err, "removing frontier record"))
	}

	if head.IsOpen() {
		if err := tx.Delete(TableAccounts, account.Bytes()); err != nil {
			panic(errors.Wrap(err, "removing account record"))
		}
	} else {
		prev := l.BlockGet(tx, head.Previous)
		prevSb := *prev.Sideband()
		prevSb.Successor = types.ZeroHash
		prev.SetSideband(&prevSb)
		prevData, err := encodeBlock(prev)
		if err != nil {
			panic(err)
		}
		if err := tx.Put(TableBlocks, prev.Hash().Bytes(), prevData); err != nil {
			panic(errors.Wrap(err, "unlinking predecessor"))
		}
		if err := tx.Put(TableFrontiers, prev.Hash().Bytes(), account.Bytes()); err != nil {
			panic(errors.Wrap(err, "restoring frontier record"))
		}

		old := l.AccountGet(tx, account)
		info := &AccountInfo{
			Head:           prev.Hash(),
			Open:           old.Open,
			Representative: prev.Representative,
			Balance:        prevSb.Balance,
			Height:         prevSb.Height,
			Epoch:          prevSb.Details.Epoch,
		}
		infoData, err := encodeAccountInfo(info)
		if err != nil {
			panic(err)
		}
		if err := tx.Put(TableAccounts, account.Bytes(), infoData); err != nil {
			panic(errors.Wrap(err, "rewinding account record"))
		}
	}

	rolledBack = append(rolledBack, head)
	return rolledBack, nil
}

//findReceiver walks the destination chain looking for the block that
//collected a given send
func (l *Ledger) findReceiver(tx ReadTx, destination types.Account, send types.Hash) (types.Hash, error) {
	info := l.AccountGet(tx, destination)
	if info == nil {
		return types.ZeroHash, errors.Errorf("destination account %s not open", destination.String())
	}

	block := l.BlockGet(tx, info.Head)
	for block != nil {
		sb := block.Sideband()
		if sb.Details.IsReceive && l.BlockSource(tx, block) == send {
			return block.Hash(), nil
		}
		if block.IsOpen() {
			break
		}
		block = l.BlockGet(tx, block.Previous)
	}
	return types.ZeroHash, errors.Errorf("receiver of send %s not found", send.String())
}

/* Confirm */

//Confirm advances the confirmation frontier of a block's account up to that
//block, cementing dependency chains first. It returns the newly cemented
//blocks in cement order; an empty result means the hash was already
//cemented.
func (l *Ledger) Confirm(tx WriteTx, hash types.Hash) ([]*types.Block, error) {
	block := l.BlockGet(tx, hash)
	if block == nil {
		return nil, ErrBlockMissing
	}
	account := block.Sideband().Account
	conf := l.ConfirmationGet(tx, account)
	if block.Sideband().Height <= conf.Height {
		return nil, nil
	}

	//Collect the unconfirmed ancestry bottom-up
	var chain []*types.Block
	for b := block; b != nil && b.Sideband().Height > conf.Height; {
		chain = append(chain, b)
		if b.IsOpen() {
			break
		}
		b = l.BlockGet(tx, b.Previous)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	var cemented []*types.Block
	for _, b := range chain {
		if b.Sideband().Details.IsReceive {
			source := l.BlockSource(tx, b)
			if sourceBlock := l.BlockGet(tx, source); sourceBlock != nil {
				sub, err := l.Confirm(tx, source)
				if err != nil {
					return cemented, err
				}
				cemented = append(cemented, sub...)
			}
		}

		data, err := encodeConfirmationInfo(&ConfirmationInfo{
			Height:   b.Sideband().Height,
			Frontier: b.Hash(),
		})
		if err != nil {
			panic(err)
		}
		if err := tx.Put(TableConfirmation, account.Bytes(), data); err != nil {
			panic(errors.Wrap(err, "advancing confirmation height"))
		}
		cemented = append(cemented, b)
	}
	return cemented, nil
}
