// Package loramac implements the root-side LoRa MAC state machine: it
// joins a remote LoRa root, exchanges confirmed/unconfirmed DATA
// frames with bounded stop-and-wait retransmission, and paces a QUERY
// keep-alive while idle so the root has a chance to push downlink
// traffic. It mirrors the original firmware's loramac.c orchestration
// loop, translated from a single cooperative Contiki process into a
// mutex-serialized Go state machine driven by one long-running
// goroutine.
package loramac

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/lora-mesh/loramac-root/internal/loraaddr"
	"github.com/lora-mesh/loramac-root/internal/loraframe"
	"github.com/lora-mesh/loramac-root/internal/loraframer"
	"github.com/lora-mesh/loramac-root/internal/loraphy"
	"github.com/lora-mesh/loramac-root/internal/monitor"
	"github.com/lora-mesh/loramac-root/internal/store"
)

// State is one of the three MAC states.
type State int

const (
	StateAlone State = iota
	StateReady
	StateWaitResponse
)

func (s State) String() string {
	switch s {
	case StateAlone:
		return "ALONE"
	case StateReady:
		return "READY"
	case StateWaitResponse:
		return "WAIT_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// ErrNotReady is returned by SendData when the engine is not in the
// READY state.
var ErrNotReady = errors.New("loramac: not ready to send")

// RadioParams are the six radio parameters programmed onto the PHY
// before the MAC task starts. The default confirmed-delivery setting
// is Config.Confirmed.
type RadioParams struct {
	BW   string
	CR   string
	Freq string
	Mode string
	Pwr  string
	SF   string
}

// Config holds the MAC engine's timing and default parameters.
type Config struct {
	MaxRetransmit     int
	RetransmitTimeout time.Duration
	QueryTimeout      time.Duration
	JoinSleepBase     time.Duration
	JoinSleepMax      time.Duration
	Confirmed         bool
	Radio             RadioParams
}

// DefaultConfig mirrors loramac-conf.h's defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetransmit:     3,
		RetransmitTimeout: 12 * time.Second,
		QueryTimeout:      30 * time.Second,
		JoinSleepBase:     60 * time.Second,
		JoinSleepMax:      180 * time.Second,
		Confirmed:         true,
		Radio: RadioParams{
			BW:   "125",
			CR:   "4/5",
			Freq: "868100000",
			Mode: "lora",
			Pwr:  "1",
			SF:   "sf10",
		},
	}
}

// Bridge receives upcalls from the MAC engine: a completed join
// (which should trigger programming the routing stack's IPv6 prefix)
// and inbound application payloads reconstructed into IPv6 packets.
type Bridge interface {
	OnJoined(prefix uint8)
	DeliverPacket(payload []byte, sender, receiver loraaddr.Addr)
}

type lastSentFrame struct {
	confirmed bool
	seqNo     uint8
	hasNext   bool
	command   loraframe.Command
	sender    loraaddr.Addr
	receiver  loraaddr.Addr
	payload   []byte
}

// Engine is the root-side MAC state machine. Create one with New,
// start it with InitRoot, and stop it with Stop.
type Engine struct {
	cfg     Config
	buf     *loraframe.Buffer
	phy     *loraphy.Driver
	bridge  Bridge
	logger  *log.Logger
	store   *store.DB
	monitor *monitor.Server

	mu    sync.Mutex
	addr  loraaddr.Addr
	state State

	nextSeq          uint8
	expectedSeq      uint8
	retransmitAttempt int
	pendingQuery     bool
	isRetransmission bool
	lastSent         lastSentFrame

	retransmitTimer *time.Timer
	queryTimer      *time.Timer

	outputCh    chan struct{}
	phyEvents   chan loraphy.Status
	timerEvents chan timerEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type timerEvent int

const (
	timerEventRetransmit timerEvent = iota
	timerEventQuery
)

// New constructs an Engine bound to a frame buffer, a PHY driver, and
// a bridge upcall target. The buffer must be the same one the PHY
// driver decodes inbound frames into.
func New(cfg Config, buf *loraframe.Buffer, phy *loraphy.Driver, bridge Bridge, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		cfg:         cfg,
		buf:         buf,
		phy:         phy,
		bridge:      bridge,
		logger:      logger,
		state:       StateAlone,
		outputCh:    make(chan struct{}, 1),
		phyEvents:   make(chan loraphy.Status, 1),
		timerEvents: make(chan timerEvent, 4),
		stopCh:      make(chan struct{}),
	}
	phy.SetStatusCallback(func(s loraphy.Status) { e.phyEvents <- s })
	return e
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetStore attaches a persistence layer for node identity, join
// history, and frame events. It must be called before InitRoot to
// have any effect on restored identity.
func (e *Engine) SetStore(db *store.DB) {
	e.store = db
}

// SetMonitor attaches an observer that receives state transitions and
// frame events as they happen. It is safe to leave unset.
func (e *Engine) SetMonitor(m *monitor.Server) {
	e.monitor = m
}

// emit forwards typ/payload to the attached monitor, if any. It never
// blocks on a slow viewer; Server.Broadcast handles that itself.
func (e *Engine) emit(typ monitor.EventType, payload any) {
	if e.monitor != nil {
		e.monitor.Broadcast(typ, payload)
	}
}

// persistCountersLocked saves the engine's address and sequence
// counters, if a store is attached. Called with e.mu held.
func (e *Engine) persistCountersLocked() {
	if e.store == nil {
		return
	}
	s := store.NodeState{
		Prefix:      e.addr.Prefix,
		NodeID:      e.addr.ID,
		NextSeq:     e.nextSeq,
		ExpectedSeq: e.expectedSeq,
		Joined:      e.state != StateAlone,
	}
	if err := e.store.SaveNodeState(s); err != nil {
		e.logger.Printf("loramac: persist node state: %v", err)
	}
}

func (e *Engine) setState(newState State) {
	// Mirrors loramac.c's set_state: a transition to READY is
	// overridden by a pending QUERY, which is serviced instead of
	// letting the engine go idle.
	if e.state == StateWaitResponse && newState == StateReady && e.pendingQuery {
		e.pendingQuery = false
		e.sendQueryLocked()
		return
	}
	if newState != e.state {
		old := e.state
		e.state = newState
		e.emit(monitor.EventStateChange, map[string]string{"from": old.String(), "to": newState.String()})
		return
	}
	e.state = newState
}

// InitRoot brings the radio up, programs the six default radio
// parameters plus the retransmit watchdog, starts the MAC task, and
// issues the initial JOIN request. nodeID seeds the engine's address
// as {nodeID, nodeID} until a JOIN_RESPONSE assigns a real prefix.
func (e *Engine) InitRoot(ctx context.Context, nodeID uint16) error {
	e.mu.Lock()
	e.addr = loraaddr.Addr{Prefix: uint8(nodeID), ID: nodeID}
	e.state = StateAlone
	if e.store != nil {
		if s, err := e.store.LoadNodeState(); err != nil {
			e.logger.Printf("loramac: load persisted node state: %v", err)
		} else if s != nil && s.NodeID == nodeID {
			e.addr = loraaddr.Addr{Prefix: s.Prefix, ID: s.NodeID}
			e.nextSeq = s.NextSeq
			e.expectedSeq = s.ExpectedSeq
			if s.Joined {
				e.state = StateReady
			}
		}
	}
	e.mu.Unlock()

	if err := e.phy.Start(); err != nil {
		return fmt.Errorf("loramac: phy start: %w", err)
	}
	// The module's answer to "mac pause" is also reported through the
	// status callback; consume it so each parameter below waits for
	// its own acknowledgement.
	<-e.phyEvents

	params := []struct {
		param loraphy.Param
		value string
	}{
		{loraphy.ParamBW, e.cfg.Radio.BW},
		{loraphy.ParamCR, e.cfg.Radio.CR},
		{loraphy.ParamFreq, e.cfg.Radio.Freq},
		{loraphy.ParamMode, e.cfg.Radio.Mode},
		{loraphy.ParamPwr, e.cfg.Radio.Pwr},
		{loraphy.ParamSF, e.cfg.Radio.SF},
	}
	for _, p := range params {
		if err := e.applyParamSync(p.param, p.value); err != nil {
			return fmt.Errorf("loramac: configure radio: %w", err)
		}
	}

	e.wg.Add(1)
	go e.run(ctx)
	return nil
}

// Stop halts the MAC task goroutine.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// applyParamSync blocks until the radio acknowledges a parameter
// program. It is called during InitRoot's startup sequence, before the
// run loop goroutine exists, and afterwards only from the run
// goroutine itself, so it is the sole reader of phyEvents while it
// waits.
func (e *Engine) applyParamSync(param loraphy.Param, value string) error {
	if err := e.phy.SetParam(param, value); err != nil {
		return err
	}
	<-e.phyEvents
	return nil
}

// SendData stages payload as a confirmed/unconfirmed DATA frame sent
// from this node's own address and addressed to the LoRa root. It is
// only accepted in the READY state, matching loramac_send's contract.
func (e *Engine) SendData(payload []byte) error {
	e.mu.Lock()
	src := e.addr
	e.mu.Unlock()
	return e.SendDataFrom(src, payload)
}

// SendDataFrom stages payload as a confirmed/unconfirmed DATA frame
// sent from src and addressed to the LoRa root, and hands it to the
// MAC task. src is normally this node's own address, but the bridge
// uses it to forward a packet on behalf of the LoRa address its IPv6
// source address maps to (mirroring lorabridge.c's output(), which
// derives the frame's sender via ipv62lora rather than always using
// the node's own address). Only accepted in the READY state, matching
// loramac_send's contract.
func (e *Engine) SendDataFrom(src loraaddr.Addr, payload []byte) error {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return ErrNotReady
	}
	e.buf.ClearAttrs()
	e.buf.Command = loraframe.CmdData
	e.buf.Confirmed = e.cfg.Confirmed
	e.buf.Sender = src
	e.buf.Receiver = loraaddr.Root
	e.buf.CopyPayload(payload)
	e.mu.Unlock()

	select {
	case e.outputCh <- struct{}{}:
	default:
	}
	return nil
}

func (e *Engine) sendJoinRequestLocked() {
	e.buf.ClearAttrs()
	e.buf.Command = loraframe.CmdJoin
	e.buf.Sender = e.addr
	e.buf.Receiver = loraaddr.Root
	e.buf.SetPayloadLen(0)
}

func (e *Engine) sendQueryLocked() {
	e.buf.ClearAttrs()
	e.buf.Command = loraframe.CmdQuery
	e.buf.Sender = e.addr
	e.buf.Receiver = loraaddr.Root
	e.buf.SetPayloadLen(0)
	select {
	case e.outputCh <- struct{}{}:
	default:
	}
}

// run is the MAC task: the sole mutator of state and counters once
// InitRoot's startup sequence hands off to it. The frame buffer is
// also written by SendDataFrom, which stages outbound DATA into it,
// and by the PHY driver, which decodes inbound frames into it.
// Between issuing a PHY command and receiving its completion nothing
// else may run inside the task, matching the original's cooperative
// scheduling: performSend blocks directly on phyEvents rather than
// going back through the select loop.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	if err := e.applyParamSync(loraphy.ParamWDT, msString(e.cfg.RetransmitTimeout)); err != nil {
		e.logger.Printf("loramac: failed to program initial watchdog: %v", err)
	}

	e.mu.Lock()
	alreadyJoined := e.state == StateReady
	e.mu.Unlock()

	if alreadyJoined {
		// A persisted store restored a prior join: skip the JOIN
		// handshake and resume where the last run left off.
		e.mu.Lock()
		e.armQueryTimer()
		e.mu.Unlock()
	} else {
		e.mu.Lock()
		e.sendJoinRequestLocked()
		e.mu.Unlock()
		e.performSend(false)
	}

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-e.outputCh:
			e.performSend(false)
		case tev := <-e.timerEvents:
			switch tev {
			case timerEventRetransmit:
				e.onRetransmitTimeout()
			case timerEventQuery:
				e.onQueryTimeout()
			}
		case <-e.phyEvents:
			e.logger.Printf("loramac: unsolicited PHY event while idle, ignoring")
		}
	}
}

// performSend transmits the frame currently staged in the buffer and,
// if it needs a response, arms the retransmit timer and polls for an
// inbound frame. It is always called from the run goroutine.
func (e *Engine) performSend(isRetransmission bool) {
	e.mu.Lock()
	if !isRetransmission {
		e.buf.SeqNo = e.nextSeq
		e.nextSeq++
		e.snapshotLastSentLocked()
		e.persistCountersLocked()
	}
	needsResponse := e.buf.Confirmed || e.buf.Command == loraframe.CmdQuery || e.buf.Command == loraframe.CmdJoin
	if e.buf.Command != loraframe.CmdJoin {
		e.setState(StateWaitResponse)
	}
	loraframer.Encode(e.buf)
	line := string(e.buf.ASCII())
	e.mu.Unlock()

	if err := e.phy.SendFrame(line); err != nil {
		e.logger.Printf("loramac: send frame: %v", err)
		return
	}
	<-e.phyEvents // wait for PHY tx-done

	e.mu.Lock()
	sentCmd, sentSeq, sentLen := e.lastSent.command, e.lastSent.seqNo, len(e.lastSent.payload)
	e.mu.Unlock()
	e.emit(monitor.EventFrameSent, map[string]any{"command": sentCmd.String(), "seq": sentSeq})
	if e.store != nil {
		if err := e.store.RecordFrameEvent("out", sentCmd.String(), sentSeq, sentLen); err != nil {
			e.logger.Printf("loramac: record frame event: %v", err)
		}
	}

	if !needsResponse {
		e.mu.Lock()
		e.setState(StateReady)
		e.mu.Unlock()
		return
	}

	if err := e.applyParamSync(loraphy.ParamWDT, msString(e.cfg.RetransmitTimeout)); err != nil {
		e.logger.Printf("loramac: program watchdog: %v", err)
	}
	e.armRetransmitTimer()

	if err := e.phy.RecvOnce(); err != nil {
		e.logger.Printf("loramac: recv once: %v", err)
		return
	}
	status := <-e.phyEvents
	if status == loraphy.StatusInputData {
		e.inputFrame()
	}
}

func (e *Engine) snapshotLastSentLocked() {
	e.lastSent = lastSentFrame{
		confirmed: e.buf.Confirmed,
		seqNo:     e.buf.SeqNo,
		hasNext:   e.buf.HasNext,
		command:   e.buf.Command,
		sender:    e.buf.Sender,
		receiver:  e.buf.Receiver,
		payload:   append([]byte(nil), e.buf.Payload()...),
	}
}

func (e *Engine) restoreFromLastSentLocked() {
	e.buf.ClearAttrs()
	e.buf.Confirmed = e.lastSent.confirmed
	e.buf.SeqNo = e.lastSent.seqNo
	e.buf.HasNext = e.lastSent.hasNext
	e.buf.Command = e.lastSent.command
	e.buf.Sender = e.lastSent.sender
	e.buf.Receiver = e.lastSent.receiver
	e.buf.CopyPayload(e.lastSent.payload)
}

func (e *Engine) armRetransmitTimer() {
	e.cancelRetransmitTimer()
	e.retransmitTimer = time.AfterFunc(e.cfg.RetransmitTimeout, func() {
		select {
		case e.timerEvents <- timerEventRetransmit:
		case <-e.stopCh:
		}
	})
}

func (e *Engine) cancelRetransmitTimer() {
	if e.retransmitTimer != nil {
		e.retransmitTimer.Stop()
		e.retransmitTimer = nil
	}
}

func (e *Engine) armQueryTimer() {
	e.cancelQueryTimer()
	e.queryTimer = time.AfterFunc(e.cfg.QueryTimeout, func() {
		select {
		case e.timerEvents <- timerEventQuery:
		case <-e.stopCh:
		}
	})
}

func (e *Engine) cancelQueryTimer() {
	if e.queryTimer != nil {
		e.queryTimer.Stop()
		e.queryTimer = nil
	}
}

// onRetransmitTimeout resends the last frame, up to MaxRetransmit
// attempts. Once exhausted, a JOIN falls back to a randomized sleep
// before retrying from attempt zero; a QUERY or DATA simply returns
// to READY (restarting the query timer if the exhausted frame was a
// QUERY).
func (e *Engine) onRetransmitTimeout() {
	e.mu.Lock()
	if e.retransmitAttempt < e.cfg.MaxRetransmit {
		e.isRetransmission = true
		e.restoreFromLastSentLocked()
		e.retransmitAttempt++
		e.mu.Unlock()
		e.performSend(true)
		return
	}

	e.retransmitAttempt = 0
	command := e.lastSent.command
	seq := e.lastSent.seqNo
	e.mu.Unlock()
	e.emit(monitor.EventSendFailed, map[string]any{"command": command.String(), "seq": seq})

	switch command {
	case loraframe.CmdJoin:
		e.logger.Printf("loramac: JOIN exhausted retransmits, backing off")
		interval := e.cfg.JoinSleepBase + time.Duration(rand.Int63n(int64(e.cfg.JoinSleepMax)))
		interval %= e.cfg.JoinSleepMax
		if err := e.phy.Sleep(msString(e.cfg.JoinSleepBase)); err != nil {
			e.logger.Printf("loramac: sleep radio: %v", err)
		}
		e.mu.Lock()
		e.retransmitTimer = time.AfterFunc(interval, func() {
			select {
			case e.timerEvents <- timerEventRetransmit:
			case <-e.stopCh:
			}
		})
		e.mu.Unlock()
	case loraframe.CmdQuery:
		e.mu.Lock()
		e.armQueryTimer()
		e.setState(StateReady)
		e.mu.Unlock()
	default:
		e.mu.Lock()
		e.setState(StateReady)
		e.mu.Unlock()
	}
}

func (e *Engine) onQueryTimeout() {
	e.mu.Lock()
	if e.state == StateReady {
		e.sendQueryLocked()
		e.mu.Unlock()
		return
	}
	e.pendingQuery = true
	e.mu.Unlock()
}

// inputFrame dispatches a frame the PHY driver has already decoded
// into the shared buffer.
func (e *Engine) inputFrame() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.buf.Receiver.Prefix != e.addr.Prefix {
		e.logger.Printf("loramac: dropping frame for foreign prefix %#x", e.buf.Receiver.Prefix)
		return
	}

	e.emit(monitor.EventFrameRecv, map[string]any{"command": e.buf.Command.String(), "seq": e.buf.SeqNo})
	if e.store != nil {
		if err := e.store.RecordFrameEvent("in", e.buf.Command.String(), e.buf.SeqNo, e.buf.PayloadLen()); err != nil {
			e.logger.Printf("loramac: record frame event: %v", err)
		}
	}

	switch e.buf.Command {
	case loraframe.CmdJoinResponse:
		if e.state == StateAlone {
			e.onJoinResponseLocked()
		}
	case loraframe.CmdData:
		if e.state != StateAlone {
			e.onDataLocked()
		}
	case loraframe.CmdAck:
		if e.state != StateAlone {
			e.onAckLocked()
		}
	default:
		e.logger.Printf("loramac: unexpected MAC command %s received", e.buf.Command)
	}
}

func (e *Engine) onJoinResponseLocked() {
	if !e.buf.Receiver.Equal(e.addr) || e.buf.PayloadLen() != 1 || e.buf.SeqNo != 0 {
		e.logger.Printf("loramac: malformed JOIN_RESPONSE, ignoring")
		return
	}
	e.cancelRetransmitTimer()
	e.retransmitAttempt = 0
	newPrefix := e.buf.Payload()[0]
	e.addr = loraaddr.Addr{Prefix: newPrefix, ID: e.addr.ID}
	e.armQueryTimer()
	e.expectedSeq = 1
	e.setState(StateReady)
	e.persistCountersLocked()
	if e.store != nil {
		if err := e.store.RecordJoin(newPrefix, true, "assigned by JOIN_RESPONSE"); err != nil {
			e.logger.Printf("loramac: record join: %v", err)
		}
	}
	e.emit(monitor.EventJoined, map[string]any{"prefix": newPrefix})
	if e.bridge != nil {
		e.bridge.OnJoined(newPrefix)
	}
}

func (e *Engine) onDataLocked() {
	seq := e.buf.SeqNo
	if seq < e.expectedSeq {
		e.logger.Printf("loramac: dropping stale DATA seq=%d expected=%d", seq, e.expectedSeq)
		return
	}
	e.cancelRetransmitTimer()
	e.cancelQueryTimer()
	e.retransmitAttempt = 0
	if seq > e.expectedSeq {
		e.logger.Printf("loramac: accepted out-of-order DATA seq=%d expected=%d", seq, e.expectedSeq)
	}
	e.expectedSeq = seq + 1
	e.persistCountersLocked()

	payload := append([]byte(nil), e.buf.Payload()...)
	sender, receiver := e.buf.Sender, e.buf.Receiver
	hasNext := e.buf.HasNext

	if hasNext {
		if e.bridge != nil {
			e.bridge.DeliverPacket(payload, sender, receiver)
		}
		e.sendQueryLocked()
		return
	}
	e.armQueryTimer()
	e.setState(StateReady)
	if e.bridge != nil {
		e.bridge.DeliverPacket(payload, sender, receiver)
	}
}

func (e *Engine) onAckLocked() {
	if !e.addr.Equal(e.buf.Receiver) {
		e.logger.Printf("loramac: dropping ACK not addressed to us")
		return
	}
	if e.buf.SeqNo != e.lastSent.seqNo {
		e.logger.Printf("loramac: dropping ACK seq=%d, last sent seq=%d", e.buf.SeqNo, e.lastSent.seqNo)
		return
	}
	e.cancelRetransmitTimer()
	e.retransmitAttempt = 0
	if e.lastSent.command == loraframe.CmdQuery {
		e.armQueryTimer()
	}
	e.setState(StateReady)
}

func msString(d time.Duration) string {
	return fmt.Sprintf("%d", d.Milliseconds())
}
