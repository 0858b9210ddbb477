package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"

	"github.com/trellis-network/trellis/src/types"
)

/*
Each message is framed by a single byte that indicates the message type and
a big-endian payload length, followed by the codec-encoded payload. The
type-byte framing is adapted from the request/response framing of hashicorp
raft transports; the explicit length keeps message boundaries intact on a
shared stream.
*/

//maxMessageSize bounds one wire message; anything larger is a protocol
//violation
const maxMessageSize = 1 << 20

const (
	msgPublish uint8 = iota
	msgConfirmReq
	msgConfirmAck
	msgKeepalive
	msgNodeIDHandshake
)

//PublishMessage carries a live block
type PublishMessage struct {
	Block []byte
}

//ConfirmReqMessage solicits votes for a set of chain positions
type ConfirmReqMessage struct {
	Roots     [][]byte
	Previous  [][]byte
	WinnerReq bool
}

//ConfirmAckMessage carries a vote: a set of hashes endorsed by a
//representative
type ConfirmAckMessage struct {
	Representative []byte
	Timestamp      uint64
	Hashes         [][]byte
	Signature      []byte
}

//KeepaliveMessage advertises known peers
type KeepaliveMessage struct {
	Peers []string
}

//NodeIDHandshakeMessage announces the peer's identity and protocol version
type NodeIDHandshakeMessage struct {
	PublicKey []byte
	Version   uint8
}

//Message is one decoded wire message
type Message struct {
	Publish    *PublishMessage
	ConfirmReq *ConfirmReqMessage
	ConfirmAck *ConfirmAckMessage
	Keepalive  *KeepaliveMessage
	Handshake  *NodeIDHandshakeMessage
}

var wireHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

//EncodeMessage frames and encodes a message payload
func EncodeMessage(msgType uint8, payload interface{}) ([]byte, error) {
	var body []byte
	enc := codec.NewEncoderBytes(&body, wireHandle)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	if len(body) > maxMessageSize {
		return nil, fmt.Errorf("message payload of %d bytes exceeds the wire limit", len(body))
	}
	out := make([]byte, 5+len(body))
	out[0] = msgType
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[5:], body)
	return out, nil
}

//EncodePublish frames a block broadcast
func EncodePublish(block *types.Block) ([]byte, error) {
	wire, err := block.Marshal()
	if err != nil {
		return nil, err
	}
	return EncodeMessage(msgPublish, &PublishMessage{Block: wire})
}

//EncodeConfirmReq frames a confirmation request
func EncodeConfirmReq(req *ConfirmReqMessage) ([]byte, error) {
	return EncodeMessage(msgConfirmReq, req)
}

//EncodeConfirmAck frames a vote
func EncodeConfirmAck(ack *ConfirmAckMessage) ([]byte, error) {
	return EncodeMessage(msgConfirmAck, ack)
}

//EncodeKeepalive frames a keepalive
func EncodeKeepalive(peers []string) ([]byte, error) {
	return EncodeMessage(msgKeepalive, &KeepaliveMessage{Peers: peers})
}

//EncodeHandshake frames a node-id handshake
func EncodeHandshake(publicKey []byte, version uint8) ([]byte, error) {
	return EncodeMessage(msgNodeIDHandshake, &NodeIDHandshakeMessage{
		PublicKey: publicKey,
		Version:   version,
	})
}

//ReadMessage decodes one framed message from the reader
func ReadMessage(r *bufio.Reader) (*Message, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	msgType := header[0]
	size := binary.BigEndian.Uint32(header[1:5])
	if size > maxMessageSize {
		return nil, fmt.Errorf("message payload of %d bytes exceeds the wire limit", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	dec := codec.NewDecoderBytes(body, wireHandle)
	msg := &Message{}
	switch msgType {
	case msgPublish:
		var m PublishMessage
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg.Publish = &m
	case msgConfirmReq:
		var m ConfirmReqMessage
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg.ConfirmReq = &m
	case msgConfirmAck:
		var m ConfirmAckMessage
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg.ConfirmAck = &m
	case msgKeepalive:
		var m KeepaliveMessage
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg.Keepalive = &m
	case msgNodeIDHandshake:
		var m NodeIDHandshakeMessage
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		msg.Handshake = &m
	default:
		return nil, fmt.Errorf("unknown message type %d", msgType)
	}
	return msg, nil
}
