// Package loraphy implements the half-duplex ASCII command/response
// driver that sits between the MAC engine and a serial byte stream.
// It mirrors the original firmware's loraphy.c: a single outstanding
// command at a time, inbound lines matched by substring against up to
// two expected response tokens, and a byte-level line assembler that
// filters out a handful of control bytes the UART module emits.
package loraphy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lora-mesh/loramac-root/internal/loraframe"
	"github.com/lora-mesh/loramac-root/internal/loraframer"
)

// ErrBusy is returned by Send when a previous command has not yet
// completed.
var ErrBusy = errors.New("loraphy: PHY not ready, previous command still outstanding")

// ErrNotReady is returned by Start if the module never reports ready
// after the initial mac pause.
var ErrNotReady = errors.New("loraphy: module did not become ready within startup deadline")

// Command is one of the ASCII command verbs the radio module accepts.
type Command uint8

const (
	CmdMacPause Command = iota
	CmdRadioSet
	CmdRadioRx
	CmdRadioTx
	CmdSysSleep
)

var commandTokens = [...]string{
	CmdMacPause: "mac pause",
	CmdRadioSet: "radio set ",
	CmdRadioRx:  "radio rx ",
	CmdRadioTx:  "radio tx ",
	CmdSysSleep: "sys sleep ",
}

// Param is one of the radio parameters that can be programmed via a
// "radio set" command.
type Param uint8

const (
	ParamBW Param = iota
	ParamCR
	ParamFreq
	ParamMode
	ParamPwr
	ParamSF
	ParamWDT
	ParamNone
)

var paramTokens = [...]string{
	ParamBW:   "bw ",
	ParamCR:   "cr ",
	ParamFreq: "freq ",
	ParamMode: "mod ",
	ParamPwr:  "pwr ",
	ParamSF:   "sf ",
	ParamWDT:  "wdt ",
	ParamNone: "",
}

// Response is one of the tokens the radio module sends back, matched
// against inbound lines by substring.
type Response uint8

const (
	RespOK Response = iota
	RespInvalidParam
	RespRadioErr
	RespRadioRX
	RespBusy
	RespRadioTxOK
	RespUInt
	RespNone
)

var responseTokens = [...]string{
	RespOK:           "ok",
	RespInvalidParam: "invalid_param",
	RespRadioErr:     "radio_err",
	RespRadioRX:      "radio_rx",
	RespBusy:         "busy",
	RespRadioTxOK:    "radio_tx_ok",
	RespUInt:         "4294967245",
	RespNone:         "none",
}

// controlBytes are swallowed by the line assembler without being
// written to the line buffer and without affecting CR/LF tracking.
var controlBytes = [...]byte{254, 248, 240, 192}

// inboundPrefixChars is the number of leading characters of an inbound
// radio_rx line that the framer decoder skips: the 9-character
// "radio_rx " token plus one more separator character before the hex
// frame.
const inboundPrefixChars = 10

// Status reports what an inbound line resolved to once a response was
// matched.
type Status int

const (
	StatusSentDone Status = iota
	StatusInputData
)

// Driver is the half-duplex PHY driver. It is not safe to share a
// single Driver across two MAC engines; it is meant to be owned by
// exactly one.
type Driver struct {
	transport io.Writer
	buf       *loraframe.Buffer
	logger    *log.Logger

	mu       sync.Mutex
	ready    bool
	expected [2]Response

	onStatus func(Status)

	lineBuf []byte
	crSeen  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Driver that writes outbound commands to transport and
// decodes inbound radio_rx frames into buf. reader supplies the
// inbound byte stream; it is read in its own goroutine started by
// Start.
func New(transport io.Writer, reader io.Reader, buf *loraframe.Buffer, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.Default()
	}
	d := &Driver{
		transport: transport,
		buf:       buf,
		logger:    logger,
		ready:     true,
		stopCh:    make(chan struct{}),
	}
	d.startReadLoop(reader)
	return d
}

// SetStatusCallback registers the callback invoked whenever an
// outstanding command completes. It is invoked from the driver's
// internal read goroutine, never concurrently with itself.
func (d *Driver) SetStatusCallback(cb func(Status)) {
	d.mu.Lock()
	d.onStatus = cb
	d.mu.Unlock()
}

// Start issues the startup "mac pause" command and busy-waits up to
// 250ms for the module to report ready, mirroring loraphy_init.
func (d *Driver) Start() error {
	if err := d.Send(CmdMacPause, ParamNone, "", RespUInt, RespNone); err != nil {
		return fmt.Errorf("loraphy: start: %w", err)
	}
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		ready := d.ready
		d.mu.Unlock()
		if ready {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ErrNotReady
}

// Stop signals the read loop goroutine to exit and waits until it has.
// The loop checks for the signal between bytes, so Stop returns only
// once the reader delivers another byte or fails; closing the reader
// before calling Stop makes it return at once.
func (d *Driver) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Send issues a command, rejecting it if a previous command has not
// yet completed. Only one command may be outstanding at a time; this
// is the half-duplex contract the radio module itself enforces.
func (d *Driver) Send(cmd Command, param Param, value string, resp1, resp2 Response) error {
	d.mu.Lock()
	if !d.ready {
		d.mu.Unlock()
		return ErrBusy
	}
	d.ready = false
	d.expected = [2]Response{resp1, resp2}
	d.mu.Unlock()

	line := commandTokens[cmd] + paramTokens[param] + value
	_, err := d.transport.Write(append([]byte(line), '\r', '\n'))
	if err != nil {
		return fmt.Errorf("loraphy: write: %w", err)
	}
	return nil
}

// SendFrame transmits an already-encoded ASCII frame line.
func (d *Driver) SendFrame(asciiLine string) error {
	return d.Send(CmdRadioTx, ParamNone, asciiLine, RespRadioTxOK, RespRadioErr)
}

// RecvOnce issues a single "radio rx 0" poll, after which a matching
// inbound frame (if any) is decoded into the driver's buffer and
// reported via the status callback as StatusInputData.
func (d *Driver) RecvOnce() error {
	return d.Send(CmdRadioRx, ParamNone, "0", RespRadioRX, RespRadioErr)
}

// SetParam programs a single radio parameter.
func (d *Driver) SetParam(param Param, value string) error {
	return d.Send(CmdRadioSet, param, value, RespOK, RespInvalidParam)
}

// Sleep puts the radio module to sleep for durationMs milliseconds.
func (d *Driver) Sleep(durationMs string) error {
	return d.Send(CmdSysSleep, ParamNone, durationMs, RespOK, RespNone)
}

func (d *Driver) startReadLoop(reader io.Reader) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		br := bufio.NewReader(reader)
		for {
			select {
			case <-d.stopCh:
				return
			default:
			}
			c, err := br.ReadByte()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					d.logger.Printf("loraphy: read error: %v", err)
				}
				return
			}
			d.processByte(c)
		}
	}()
}

func (d *Driver) processByte(c byte) {
	switch {
	case c == '\r':
		d.crSeen = true
		return
	case c == '\n':
		if d.crSeen {
			line := string(d.lineBuf)
			d.lineBuf = d.lineBuf[:0]
			d.crSeen = false
			d.handleLine(line)
		}
		return
	}
	for _, fb := range controlBytes {
		if c == fb {
			return
		}
	}
	d.lineBuf = append(d.lineBuf, c)
}

// handleLine matches a completed inbound line against the two
// expected response tokens. An unmatched radio_err is also accepted
// as a completion (treated as StatusSentDone), since the module uses
// it to report transport failures that were not explicitly expected.
// Anything else that matches neither slot leaves ready false; the
// next outbound Send will be rejected with ErrBusy until a line does
// match, same as the original firmware.
func (d *Driver) handleLine(line string) {
	d.mu.Lock()
	matched := RespNone
	matchedAny := false
	for i := 0; i < 2 && !d.ready; i++ {
		r := d.expected[i]
		if r != RespNone && strings.Contains(line, responseTokens[r]) {
			d.ready = true
			matched = r
			matchedAny = true
		}
	}
	if strings.Contains(line, responseTokens[RespRadioErr]) {
		d.ready = true
		matched = RespRadioErr
		matchedAny = true
	}
	if !matchedAny {
		d.logger.Printf("loraphy: unmatched response %q (expected %q or %q)",
			line, responseTokens[d.expected[0]], responseTokens[d.expected[1]])
		d.mu.Unlock()
		return
	}
	cb := d.onStatus
	buf := d.buf
	d.mu.Unlock()

	status := StatusSentDone
	if matched == RespRadioRX {
		if err := loraframer.Decode(buf, line, inboundPrefixChars); err != nil {
			d.logger.Printf("loraphy: decode failed: %v", err)
		}
		status = StatusInputData
	}
	if cb != nil {
		cb(status)
	}
}
