// Package loraframe holds the single staging buffer shared by the
// framer, PHY driver, and MAC engine for exactly one in-flight frame
// at a time. The original firmware kept this as a process-wide
// singleton; here it is an ordinary value owned by whoever needs one
// (normally a single *loramac.Engine*), so nothing in this package is
// global state.
package loraframe

import (
	"fmt"

	"github.com/lora-mesh/loramac-root/internal/loraaddr"
)

// Command identifies the role a frame plays in the MAC protocol.
type Command uint8

const (
	CmdJoin Command = iota
	CmdJoinResponse
	CmdData
	CmdAck
	CmdQuery
)

func (c Command) String() string {
	switch c {
	case CmdJoin:
		return "JOIN"
	case CmdJoinResponse:
		return "JOIN_RESPONSE"
	case CmdData:
		return "DATA"
	case CmdAck:
		return "ACK"
	case CmdQuery:
		return "QUERY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

// PayloadMaxSize bounds the raw payload a single frame may carry.
const PayloadMaxSize = 247

// asciiMaxSize bounds the ASCII scratch buffer: a 16 hex-char header
// plus two hex chars per payload byte, with headroom for a command
// prefix such as "radio tx ".
const asciiMaxSize = 16 + 2*PayloadMaxSize + 16

// Buffer is the staging area for exactly one LoRa frame: the
// structured header fields the framer/MAC care about, the raw
// payload, and the ASCII scratch the framer encodes into or decodes
// from.
type Buffer struct {
	Confirmed bool
	SeqNo     uint8
	HasNext   bool
	Command   Command

	Sender   loraaddr.Addr
	Receiver loraaddr.Addr

	payload    [PayloadMaxSize]byte
	payloadLen int

	ascii    [asciiMaxSize]byte
	asciiLen int
}

// ClearAttrs resets the header fields to their zero values. It leaves
// the payload, addresses, and ASCII scratch untouched; callers that
// need a fully blank buffer should also call SetPayloadLen(0) and
// ClearASCII.
func (b *Buffer) ClearAttrs() {
	b.Confirmed = false
	b.SeqNo = 0
	b.HasNext = false
	b.Command = CmdJoin
}

// ClearASCII resets the ASCII scratch length to zero without touching
// its backing array.
func (b *Buffer) ClearASCII() {
	b.asciiLen = 0
}

// Payload returns the slice of the payload currently in use.
func (b *Buffer) Payload() []byte {
	return b.payload[:b.payloadLen]
}

// PayloadLen returns the number of valid payload bytes.
func (b *Buffer) PayloadLen() int {
	return b.payloadLen
}

// SetPayloadLen sets the number of valid payload bytes, clamped to
// the buffer's capacity.
func (b *Buffer) SetPayloadLen(n int) {
	if n < 0 {
		n = 0
	}
	if n > PayloadMaxSize {
		n = PayloadMaxSize
	}
	b.payloadLen = n
}

// CopyPayload copies data into the payload, truncating if data is
// larger than PayloadMaxSize, and returns the number of bytes copied.
func (b *Buffer) CopyPayload(data []byte) int {
	n := copy(b.payload[:], data)
	b.payloadLen = n
	return n
}

// WritePayloadByte writes a single payload byte at pos, growing
// PayloadLen if necessary. It is a no-op if pos is out of range.
func (b *Buffer) WritePayloadByte(pos int, v byte) {
	if pos < 0 || pos >= PayloadMaxSize {
		return
	}
	b.payload[pos] = v
	if pos+1 > b.payloadLen {
		b.payloadLen = pos + 1
	}
}

// ASCII returns the slice of the ASCII scratch currently in use.
func (b *Buffer) ASCII() []byte {
	return b.ascii[:b.asciiLen]
}

// ASCIILen returns the number of valid ASCII scratch bytes.
func (b *Buffer) ASCIILen() int {
	return b.asciiLen
}

// WriteASCIIChar appends c to the ASCII scratch buffer, growing its
// length by one. It is a no-op if the buffer is already full.
func (b *Buffer) WriteASCIIChar(c byte) {
	if b.asciiLen >= asciiMaxSize {
		return
	}
	b.ascii[b.asciiLen] = c
	b.asciiLen++
}

// SetASCII replaces the ASCII scratch contents with s, truncating if
// s is larger than capacity.
func (b *Buffer) SetASCII(s string) {
	n := copy(b.ascii[:], s)
	b.asciiLen = n
}

// DebugString renders the buffer's attributes, addresses, and payload
// length for logging, mirroring the original firmware's print_lorabuf
// debug dump.
func (b *Buffer) DebugString() string {
	return fmt.Sprintf(
		"confirmed=%v seq=%d has_next=%v command=%s sender=%02X%04X receiver=%02X%04X payload_len=%d",
		b.Confirmed, b.SeqNo, b.HasNext, b.Command,
		b.Sender.Prefix, b.Sender.ID, b.Receiver.Prefix, b.Receiver.ID,
		b.payloadLen,
	)
}
