package ledger

import (
	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"

	"github.com/trellis-network/trellis/src/types"
)

//AccountInfo is the accounts-table record for one account chain
type AccountInfo struct {
	Head           types.Hash
	Open           types.Hash
	Representative types.Account
	Balance        types.Amount
	Height         uint64
	Epoch          types.Epoch
}

//PendingInfo is the pending-table record for one receivable send
type PendingInfo struct {
	Source types.Account
	Amount types.Amount
	Epoch  types.Epoch
}

//ConfirmationInfo tracks the cemented frontier of an account chain
type ConfirmationInfo struct {
	Height   uint64
	Frontier types.Hash
}

//storedBlock is the blocks-table record: the wire block plus its sideband
type storedBlock struct {
	Block    []byte
	Sideband wireSideband
}

type wireSideband struct {
	Account   []byte
	Successor []byte
	Height    uint64
	Balance   uint64
	Timestamp int64
	Epoch     uint8
	IsSend    bool
	IsReceive bool
	IsEpoch   bool
}

var recordHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

func encodeRecord(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, recordHandle)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "encoding store record")
	}
	return buf, nil
}

func decodeRecord(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, recordHandle)
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decoding store record")
	}
	return nil
}

func encodeBlock(b *types.Block) ([]byte, error) {
	wire, err := b.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "encoding block")
	}
	sb := b.Sideband()
	if sb == nil {
		return nil, errors.New("encoding block without sideband")
	}
	stored := storedBlock{
		Block: wire,
		Sideband: wireSideband{
			Account:   sb.Account[:],
			Successor: sb.Successor[:],
			Height:    sb.Height,
			Balance:   uint64(sb.Balance),
			Timestamp: sb.Timestamp,
			Epoch:     uint8(sb.Details.Epoch),
			IsSend:    sb.Details.IsSend,
			IsReceive: sb.Details.IsReceive,
			IsEpoch:   sb.Details.IsEpoch,
		},
	}
	return encodeRecord(stored)
}

func decodeBlock(data []byte) (*types.Block, error) {
	var stored storedBlock
	if err := decodeRecord(data, &stored); err != nil {
		return nil, err
	}
	b, err := types.UnmarshalBlock(stored.Block)
	if err != nil {
		return nil, errors.Wrap(err, "decoding block")
	}
	sb := &types.Sideband{
		Height:    stored.Sideband.Height,
		Balance:   types.Amount(stored.Sideband.Balance),
		Timestamp: stored.Sideband.Timestamp,
		Details: types.SidebandDetails{
			Epoch:     types.Epoch(stored.Sideband.Epoch),
			IsSend:    stored.Sideband.IsSend,
			IsReceive: stored.Sideband.IsReceive,
			IsEpoch:   stored.Sideband.IsEpoch,
		},
	}
	copy(sb.Account[:], stored.Sideband.Account)
	copy(sb.Successor[:], stored.Sideband.Successor)
	b.SetSideband(sb)
	return b, nil
}

func encodeAccountInfo(info *AccountInfo) ([]byte, error) {
	return encodeRecord(struct {
		Head           []byte
		Open           []byte
		Representative []byte
		Balance        uint64
		Height         uint64
		Epoch          uint8
	}{
		Head:           info.Head[:],
		Open:           info.Open[:],
		Representative: info.Representative[:],
		Balance:        uint64(info.Balance),
		Height:         info.Height,
		Epoch:          uint8(info.Epoch),
	})
}

func decodeAccountInfo(data []byte) (*AccountInfo, error) {
	var w struct {
		Head           []byte
		Open           []byte
		Representative []byte
		Balance        uint64
		Height         uint64
		Epoch          uint8
	}
	if err := decodeRecord(data, &w); err != nil {
		return nil, err
	}
	info := &AccountInfo{
		Balance: types.Amount(w.Balance),
		Height:  w.Height,
		Epoch:   types.Epoch(w.Epoch),
	}
	copy(info.Head[:], w.Head)
	copy(info.Open[:], w.Open)
	copy(info.Representative[:], w.Representative)
	return info, nil
}

func encodePendingInfo(info *PendingInfo) ([]byte, error) {
	return encodeRecord(struct {
		Source []byte
		Amount uint64
		Epoch  uint8
	}{
		Source: info.Source[:],
		Amount: uint64(info.Amount),
		Epoch:  uint8(info.Epoch),
	})
}

func decodePendingInfo(data []byte) (*PendingInfo, error) {
	var w struct {
		Source []byte
		Amount uint64
		Epoch  uint8
	}
	if err := decodeRecord(data, &w); err != nil {
		return nil, err
	}
	info := &PendingInfo{
		Amount: types.Amount(w.Amount),
		Epoch:  types.Epoch(w.Epoch),
	}
	copy(info.Source[:], w.Source)
	return info, nil
}

func encodeConfirmationInfo(info *ConfirmationInfo) ([]byte, error) {
	return encodeRecord(struct {
		Height   uint64
		Frontier []byte
	}{
		Height:   info.Height,
		Frontier: info.Frontier[:],
	})
}

func decodeConfirmationInfo(data []byte) (*ConfirmationInfo, error) {
	var w struct {
		Height   uint64
		Frontier []byte
	}
	if err := decodeRecord(data, &w); err != nil {
		return nil, err
	}
	info := &ConfirmationInfo{Height: w.Height}
	copy(info.Frontier[:], w.Frontier)
	return info, nil
}

//pendingKey is destination account followed by the send hash
func pendingKey(destination types.Account, send types.Hash) []byte {
	key := make([]byte, 64)
	copy(key[:32], destination[:])
	copy(key[32:], send[:])
	return key
}
