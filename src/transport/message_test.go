package transport

import (
	"bufio"
	"bytes"
	"testing"
)

func TestMessageFraming(t *testing.T) {
	req := &ConfirmReqMessage{
		Roots:    [][]byte{{1, 2, 3}},
		Previous: [][]byte{{4, 5, 6}},
	}
	ack := &ConfirmAckMessage{
		Representative: []byte{7},
		Timestamp:      42,
		Hashes:         [][]byte{{8}},
	}

	var stream bytes.Buffer
	for _, encode := range []func() ([]byte, error){
		func() ([]byte, error) { return EncodeConfirmReq(req) },
		func() ([]byte, error) { return EncodeConfirmAck(ack) },
		func() ([]byte, error) { return EncodeKeepalive([]string{"127.0.0.1:7075"}) },
		func() ([]byte, error) { return EncodeHandshake([]byte{9, 9}, 3) },
	} {
		buf, err := encode()
		if err != nil {
			t.Fatal(err)
		}
		stream.Write(buf)
	}

	//Messages decode back in order off one contiguous stream
	r := bufio.NewReader(&stream)

	msg, err := ReadMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ConfirmReq == nil || len(msg.ConfirmReq.Roots) != 1 {
		t.Fatal("confirm_req did not round trip")
	}

	msg, err = ReadMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ConfirmAck == nil || msg.ConfirmAck.Timestamp != 42 {
		t.Fatal("confirm_ack did not round trip")
	}

	msg, err = ReadMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Keepalive == nil || len(msg.Keepalive.Peers) != 1 {
		t.Fatal("keepalive did not round trip")
	}

	msg, err = ReadMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Handshake == nil || msg.Handshake.Version != 3 {
		t.Fatal("handshake did not round trip")
	}
}

func TestMessageUnknownType(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0xff, 0x00, 0x00, 0x00, 0x00}))
	if _, err := ReadMessage(r); err == nil {
		t.Fatal("unknown message type should error")
	}
}
