package bridge

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lora-mesh/loramac-root/internal/loraaddr"
	"github.com/lora-mesh/loramac-root/internal/loraframe"
	"github.com/lora-mesh/loramac-root/internal/loraframer"
	"github.com/lora-mesh/loramac-root/internal/loramac"
	"github.com/lora-mesh/loramac-root/internal/loraphy"
)

type recordingRouting struct {
	prefixes []uint8
	packets  [][]byte
}

func (r *recordingRouting) SetPrefixAndStart(prefix uint8) {
	r.prefixes = append(r.prefixes, prefix)
}

func (r *recordingRouting) DeliverIPv6Packet(pkt []byte) {
	r.packets = append(r.packets, append([]byte(nil), pkt...))
}

func TestOnJoinedNotifiesRouting(t *testing.T) {
	r := &recordingRouting{}
	a := NewAdapter(r, nil)
	a.OnJoined(0x42)
	if len(r.prefixes) != 1 || r.prefixes[0] != 0x42 {
		t.Fatalf("prefixes = %v, want [0x42]", r.prefixes)
	}
}

func TestDeliverPacketReconstructsIPv6Addresses(t *testing.T) {
	r := &recordingRouting{}
	a := NewAdapter(r, nil)

	sender := loraaddr.Addr{Prefix: 2, ID: 9}
	receiver := loraaddr.Root
	header := []byte{0x60, 0x00, 0x00, 0x00, 0x00, 0x04, 0x11, 0x40}
	l4 := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	payload := append(append([]byte(nil), header...), l4...)

	a.DeliverPacket(payload, sender, receiver)

	if len(r.packets) != 1 {
		t.Fatalf("expected 1 delivered packet, got %d", len(r.packets))
	}
	pkt := r.packets[0]
	if len(pkt) != 40+len(l4) {
		t.Fatalf("reconstructed packet len = %d, want %d", len(pkt), 40+len(l4))
	}
	if !bytes.Equal(pkt[0:8], header) {
		t.Errorf("header mismatch: got %x, want %x", pkt[0:8], header)
	}
	if !bytes.Equal(pkt[8:24], sender.ToIPv6()) {
		t.Errorf("src addr mismatch: got %x, want %x", pkt[8:24], sender.ToIPv6())
	}
	if !bytes.Equal(pkt[24:40], receiver.ToIPv6()) {
		t.Errorf("dst addr mismatch: got %x, want %x", pkt[24:40], receiver.ToIPv6())
	}
	if !bytes.Equal(pkt[40:], l4) {
		t.Errorf("trailing payload mismatch: got %x, want %x", pkt[40:], l4)
	}
}

func TestOutputRejectsShortPacketsAndMissingEngine(t *testing.T) {
	a := NewAdapter(&recordingRouting{}, nil)
	if err := a.Output(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized packet")
	}

	full := make([]byte, 44)
	for i := range full {
		full[i] = byte(i)
	}
	if err := a.Output(full); err == nil {
		t.Fatal("expected error when no engine is attached yet")
	}
}

// fakeRadio stands in for the serial-attached radio module, mirroring
// loramac's own test helper of the same name: it inspects each
// outbound command line and, per a test-supplied handler, writes back
// a simulated response line.
type fakeRadio struct {
	pw *io.PipeWriter

	mu      sync.Mutex
	handler func(line string) (resp string, send bool)
}

func (f *fakeRadio) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	resp, send := h(line)
	if send {
		go f.pw.Write([]byte(resp + "\r\n"))
	}
	return len(p), nil
}

func (f *fakeRadio) setHandler(h func(line string) (string, bool)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

const radioRxPrefix = "radio_rx  "

func encodeLine(t *testing.T, cmd loraframe.Command, sender, receiver loraaddr.Addr, seq uint8, confirmed, hasNext bool, payload []byte) string {
	t.Helper()
	b := &loraframe.Buffer{
		Command:   cmd,
		Sender:    sender,
		Receiver:  receiver,
		SeqNo:     seq,
		Confirmed: confirmed,
		HasNext:   hasNext,
	}
	b.CopyPayload(payload)
	loraframer.Encode(b)
	return string(b.ASCII())
}

func testEngineConfig() loramac.Config {
	return loramac.Config{
		MaxRetransmit:     3,
		RetransmitTimeout: 60 * time.Millisecond,
		QueryTimeout:      150 * time.Millisecond,
		JoinSleepBase:     40 * time.Millisecond,
		JoinSleepMax:      50 * time.Millisecond,
		Confirmed:         false,
		Radio: loramac.RadioParams{
			BW: "125", CR: "4/5", Freq: "868100000", Mode: "lora", Pwr: "1", SF: "sf10",
		},
	}
}

func waitForReady(t *testing.T, e *loramac.Engine) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for e.State() != loramac.StateReady {
		select {
		case <-deadline:
			t.Fatalf("engine never reached StateReady, stuck at %v", e.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestOutputDerivesSenderFromIPv6Source drives a real engine through a
// JOIN and then calls Output with a packet whose IPv6 source address
// maps to a LoRa address that is neither the node's own address nor
// the LoRa root, verifying the outbound DATA frame's Sender field
// reflects the packet's own source rather than being hardcoded to the
// node's address, per lorabridge.c's output().
func TestOutputDerivesSenderFromIPv6Source(t *testing.T) {
	pr, pw := io.Pipe()
	buf := &loraframe.Buffer{}
	nodeID := uint16(9)
	nodeAddr := loraaddr.Addr{Prefix: uint8(nodeID), ID: nodeID}
	assignedPrefix := uint8(0x22)

	radio := &fakeRadio{pw: pw}
	radio.setHandler(func(line string) (string, bool) {
		switch {
		case line == "mac pause":
			return "4294967245", true
		case strings.HasPrefix(line, "radio set "):
			return "ok", true
		case strings.HasPrefix(line, "radio tx "):
			return "radio_tx_ok", true
		case strings.HasPrefix(line, "radio rx "):
			resp := radioRxPrefix + encodeLine(t, loraframe.CmdJoinResponse, loraaddr.Root, nodeAddr, 0, false, false, []byte{assignedPrefix})
			return resp, true
		}
		return "", false
	})

	phyDriver := loraphy.New(radio, pr, buf, nil)
	routing := &recordingRouting{}
	a := NewAdapter(routing, nil)
	e := loramac.New(testEngineConfig(), buf, phyDriver, a, nil)
	a.SetEngine(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.InitRoot(ctx, nodeID); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	defer func() {
		e.Stop()
		pw.Close()
		phyDriver.Stop()
	}()

	waitForReady(t, e)

	captured := make(chan loraframe.Buffer, 1)
	radio.setHandler(func(line string) (string, bool) {
		switch {
		case strings.HasPrefix(line, "radio set "):
			return "ok", true
		case strings.HasPrefix(line, "radio tx "):
			asciiLine := strings.TrimPrefix(line, "radio tx ")
			var decoded loraframe.Buffer
			if err := loraframer.Decode(&decoded, asciiLine, 0); err != nil {
				t.Errorf("decode tx line %q: %v", asciiLine, err)
			} else if decoded.Command == loraframe.CmdData {
				select {
				case captured <- decoded:
				default:
				}
			}
			return "radio_tx_ok", true
		case strings.HasPrefix(line, "radio rx "):
			return "", false
		}
		return "", false
	})

	expectedSrc := loraaddr.Addr{Prefix: 5, ID: 100}
	header := []byte{0x60, 0x00, 0x00, 0x00, 0x00, 0x04, 0x11, 0x40}
	l4 := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	pkt := make([]byte, 0, ipv6HeaderLen+len(l4))
	pkt = append(pkt, header...)
	pkt = append(pkt, expectedSrc.ToIPv6()...)
	pkt = append(pkt, loraaddr.Root.ToIPv6()...)
	pkt = append(pkt, l4...)

	if err := a.Output(pkt); err != nil {
		t.Fatalf("Output: %v", err)
	}

	select {
	case decoded := <-captured:
		if !decoded.Sender.Equal(expectedSrc) {
			t.Errorf("DATA frame sender = %+v, want %+v (derived from IPv6 source)", decoded.Sender, expectedSrc)
		}
		if decoded.Sender.Equal(nodeAddr) || decoded.Sender.Prefix == assignedPrefix {
			t.Errorf("DATA frame sender = %+v, should not be the node's own address", decoded.Sender)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never observed an outbound DATA frame")
	}
}
