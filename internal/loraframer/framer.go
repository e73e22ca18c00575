// Package loraframer implements the wire codec between a staged
// loraframe.Buffer and the ASCII-hex lines the PHY layer sends and
// receives. The layout mirrors the original firmware's framer.c: a
// fixed 16 hex-char header (src addr, dst addr, flags+command byte,
// sequence number) followed by the payload as two hex chars per byte.
package loraframer

import (
	"strconv"
	"strings"

	"github.com/lora-mesh/loramac-root/internal/loraaddr"
	"github.com/lora-mesh/loramac-root/internal/loraframe"
)

const (
	flagConfirmedBit = 1 << 7
	flagHasNextBit   = 1 << 6
	commandMask      = 0x0F
)

// headerChars is the number of ASCII characters the fixed header
// occupies: 6 for each address (2 prefix + 4 id), 2 for the
// flags+command byte, 2 for the sequence number.
const headerChars = 6 + 6 + 2 + 2

// Encode serialises buf's header and payload into buf's ASCII scratch
// and returns the number of characters written. It does not send
// anything; callers hand the resulting bytes to the PHY driver.
func Encode(buf *loraframe.Buffer) int {
	var sb strings.Builder
	sb.Grow(headerChars + 2*buf.PayloadLen())

	writeAddr(&sb, buf.Sender)
	writeAddr(&sb, buf.Receiver)

	flags := byte(buf.Command) & commandMask
	if buf.Confirmed {
		flags |= flagConfirmedBit
	}
	if buf.HasNext {
		flags |= flagHasNextBit
	}
	writeHexByte(&sb, flags)
	writeHexByte(&sb, buf.SeqNo)

	for _, b := range buf.Payload() {
		writeHexByte(&sb, b)
	}

	buf.ClearASCII()
	buf.SetASCII(sb.String())
	return buf.ASCIILen()
}

func writeAddr(sb *strings.Builder, a loraaddr.Addr) {
	writeHexByte(sb, a.Prefix)
	writeHexUint16(sb, a.ID)
}

const hexDigits = "0123456789ABCDEF"

func writeHexByte(sb *strings.Builder, v byte) {
	sb.WriteByte(hexDigits[v>>4])
	sb.WriteByte(hexDigits[v&0x0F])
}

func writeHexUint16(sb *strings.Builder, v uint16) {
	writeHexByte(sb, byte(v>>8))
	writeHexByte(sb, byte(v))
}

// Decode parses an ASCII-hex frame line into buf, starting at offset
// characters into data (skipping a PHY command prefix such as
// "radio_rx "). It fills Sender, Receiver, Confirmed, HasNext,
// Command, SeqNo, and the payload.
//
// Truncated input is handled the way the original parser handles it:
// fields that run past the end of data are simply left at whatever
// they were decoded to so far, and parsing stops rather than
// reporting an error. This is an inherited quirk of the wire format,
// not a deliberate validation gap; see the framer.c original.
func Decode(buf *loraframe.Buffer, data string, offset int) error {
	buf.ClearAttrs()

	if offset < 0 || offset > len(data) {
		return nil
	}
	i := offset

	var ok bool
	buf.Sender, i, ok = readAddr(data, i)
	if !ok {
		return nil
	}
	buf.Receiver, i, ok = readAddr(data, i)
	if !ok {
		return nil
	}

	flags, i, ok := readHexByte(data, i)
	if !ok {
		return nil
	}
	buf.Confirmed = flags&flagConfirmedBit != 0
	buf.HasNext = flags&flagHasNextBit != 0
	buf.Command = loraframe.Command(flags & commandMask)

	seq, i, ok := readHexByte(data, i)
	if !ok {
		return nil
	}
	buf.SeqNo = seq

	buf.SetPayloadLen(0)
	for i+2 <= len(data) {
		b, next, ok := readHexByte(data, i)
		if !ok {
			break
		}
		if buf.PayloadLen() >= loraframe.PayloadMaxSize {
			break
		}
		buf.WritePayloadByte(buf.PayloadLen(), b)
		i = next
	}

	return nil
}

func readAddr(data string, i int) (loraaddr.Addr, int, bool) {
	prefix, i, ok := readHexByte(data, i)
	if !ok {
		return loraaddr.Addr{}, i, false
	}
	id, i, ok := readHexUint16(data, i)
	if !ok {
		return loraaddr.Addr{}, i, false
	}
	return loraaddr.Addr{Prefix: prefix, ID: id}, i, true
}

func readHexByte(data string, i int) (byte, int, bool) {
	if i+2 > len(data) {
		return 0, i, false
	}
	v, err := strconv.ParseUint(data[i:i+2], 16, 8)
	if err != nil {
		return 0, i, false
	}
	return byte(v), i + 2, true
}

func readHexUint16(data string, i int) (uint16, int, bool) {
	if i+4 > len(data) {
		return 0, i, false
	}
	v, err := strconv.ParseUint(data[i:i+4], 16, 16)
	if err != nil {
		return 0, i, false
	}
	return uint16(v), i + 4, true
}
