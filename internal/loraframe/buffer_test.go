package loraframe

import (
	"testing"

	"github.com/lora-mesh/loramac-root/internal/loraaddr"
)

func TestClearAttrsLeavesPayloadAndAddrs(t *testing.T) {
	b := &Buffer{}
	b.CopyPayload([]byte{1, 2, 3})
	b.Sender = loraaddr.Addr{Prefix: 9, ID: 9}
	b.Confirmed = true
	b.SeqNo = 42
	b.HasNext = true
	b.Command = CmdAck

	b.ClearAttrs()

	if b.Confirmed || b.SeqNo != 0 || b.HasNext || b.Command != CmdJoin {
		t.Errorf("ClearAttrs did not reset header fields: %+v", b)
	}
	if b.PayloadLen() != 3 {
		t.Errorf("ClearAttrs touched payload, len=%d", b.PayloadLen())
	}
	if b.Sender.Prefix != 9 {
		t.Errorf("ClearAttrs touched Sender: %+v", b.Sender)
	}
}

func TestCopyPayloadTruncates(t *testing.T) {
	b := &Buffer{}
	data := make([]byte, PayloadMaxSize+50)
	for i := range data {
		data[i] = byte(i)
	}
	n := b.CopyPayload(data)
	if n != PayloadMaxSize {
		t.Fatalf("CopyPayload returned %d, want %d", n, PayloadMaxSize)
	}
	if b.PayloadLen() != PayloadMaxSize {
		t.Errorf("PayloadLen() = %d, want %d", b.PayloadLen(), PayloadMaxSize)
	}
}

func TestWritePayloadByteGrowsLen(t *testing.T) {
	b := &Buffer{}
	b.WritePayloadByte(2, 0xAB)
	if b.PayloadLen() != 3 {
		t.Errorf("PayloadLen() = %d, want 3", b.PayloadLen())
	}
	if b.Payload()[2] != 0xAB {
		t.Errorf("Payload()[2] = %#x, want 0xAB", b.Payload()[2])
	}
}

func TestASCIIScratch(t *testing.T) {
	b := &Buffer{}
	b.SetASCII("0100")
	b.WriteASCIIChar('0')
	b.WriteASCIIChar('2')
	if got := string(b.ASCII()); got != "010002" {
		t.Errorf("ASCII() = %q, want %q", got, "010002")
	}
	b.ClearASCII()
	if b.ASCIILen() != 0 {
		t.Errorf("ClearASCII did not reset length")
	}
}
