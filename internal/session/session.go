// Package session manages the pool of persistent upstream agent sessions and
// the per-session state machine that drives one Companion WebSocket.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/guibros/companion-bridge/internal/common/logger"
	"github.com/guibros/companion-bridge/internal/companion"
	"github.com/guibros/companion-bridge/internal/contextmgr"
	"github.com/guibros/companion-bridge/internal/events/bus"
	"github.com/guibros/companion-bridge/internal/policy"
)

// State is the session lifecycle state.
type State string

const (
	StateConnecting          State = "connecting"
	StateReady               State = "ready"
	StateBusy                State = "busy"
	StateWaitingToolDecision State = "waiting_tool_decision"
	StateDead                State = "dead"
)

// ProgressKind tags a progress event variant.
type ProgressKind string

const (
	ProgressTextDelta  ProgressKind = "text_delta"
	ProgressToolStart  ProgressKind = "tool_start"
	ProgressToolResult ProgressKind = "tool_result"
	ProgressThinking   ProgressKind = "thinking"
	ProgressTurn       ProgressKind = "turn"
)

// ProgressEvent is delivered to the session's progress sink while a request
// is in flight.
type ProgressEvent struct {
	Kind    ProgressKind
	Text    string                 // text_delta
	Tool    string                 // tool_start, tool_result
	Input   map[string]interface{} // tool_start
	Success bool                   // tool_result
	Status  string                 // thinking
	Turn    int                    // turn
}

// PendingToolCall is a tool permission surfaced to the client as an OpenAI
// function tool call.
type PendingToolCall struct {
	ToolCallID string
	RequestID  string
	Tool       string
	Input      map[string]interface{}
}

// Response is the outcome of one prompt (or tool-result continuation).
type Response struct {
	Text             string
	Model            string
	InputTokens      int
	OutputTokens     int
	Cost             float64
	Turns            int
	PendingToolCalls []PendingToolCall
}

// ToolDecision is a client verdict on one pending tool call.
type ToolDecision struct {
	ToolCallID string
	Approved   bool
	Message    string
}

// Sentinel errors distinguishing how an in-flight request failed.
var (
	ErrTimeout        = errors.New("timed out waiting for agent response")
	ErrUpstreamClosed = errors.New("upstream connection closed")
)

type outcome struct {
	resp *Response
	err  error
}

// Session owns one Companion WebSocket and the conversation state behind it.
// All operations are safe for concurrent use; only one request is in flight
// at a time.
type Session struct {
	Key        string
	UpstreamID string

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	model string

	createdAt    time.Time
	lastActivity time.Time

	// Per-request accumulators, reset at each new prompt.
	currentText   strings.Builder
	currentInput  int
	currentOutput int
	currentCost   float64
	currentTurns  int
	usageSeen     bool

	// Lifetime counters, monotone until the session is destroyed.
	totalInput  int
	totalOutput int
	totalTurns  int
	totalCost   float64

	// Context persistence bookkeeping.
	Context contextmgr.Tracker

	pending      chan outcome
	timeout      *time.Timer
	idleTimer    *time.Timer
	pendingPerms map[string]*PendingToolCall // by tool_call_id

	progress func(ProgressEvent)

	connectCh   chan error
	connectOnce sync.Once

	policy          *policy.Engine
	ctxmgr          *contextmgr.Manager
	events          bus.EventBus
	responseTimeout time.Duration
	idleTimeout     time.Duration
	onIdle          func(s *Session)
	logger          *logger.Logger
}

func newSession(key, modelHint string, pol *policy.Engine, cm *contextmgr.Manager, eb bus.EventBus,
	responseTimeout, idleTimeout time.Duration, onIdle func(*Session), log *logger.Logger) *Session {
	now := time.Now()
	return &Session{
		Key:             key,
		state:           StateConnecting,
		model:           modelHint,
		createdAt:       now,
		lastActivity:    now,
		pendingPerms:    make(map[string]*PendingToolCall),
		connectCh:       make(chan error, 1),
		policy:          pol,
		ctxmgr:          cm,
		events:          eb,
		responseTimeout: responseTimeout,
		idleTimeout:     idleTimeout,
		onIdle:          onIdle,
		logger:          log.WithSessionKey(key),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Model returns the model name as last reported by the agent.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Touch resets the idle eviction timer and activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.rescheduleIdleLocked()
}

// SetProgressSink installs the callback receiving progress events. Passing
// nil detaches the sink.
func (s *Session) SetProgressSink(sink func(ProgressEvent)) {
	s.mu.Lock()
	s.progress = sink
	s.mu.Unlock()
}

// PendingToolCalls returns a snapshot of permissions awaiting a client verdict.
func (s *Session) PendingToolCalls() []PendingToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingToolCall, 0, len(s.pendingPerms))
	for _, p := range s.pendingPerms {
		out = append(out, *p)
	}
	return out
}

// Send resets the per-request accumulators and sends one prompt upstream,
// blocking until the terminal result, a passthrough permission interrupt,
// the response timeout, or upstream disconnect.
func (s *Session) Send(prompt string) (*Response, error) {
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("session is %s, not ready", state)
	}
	if s.conn == nil {
		s.state = StateDead
		s.mu.Unlock()
		return nil, fmt.Errorf("session has no upstream connection")
	}

	s.currentText.Reset()
	s.currentInput = 0
	s.currentOutput = 0
	s.currentCost = 0
	s.currentTurns = 0
	s.usageSeen = false
	s.pendingPerms = make(map[string]*PendingToolCall)

	ch := make(chan outcome, 1)
	s.pending = ch
	s.state = StateBusy
	s.lastActivity = time.Now()
	s.armTimeoutLocked()
	s.rescheduleIdleLocked()

	err := s.conn.WriteJSON(companion.UserMessage(prompt))
	if err != nil {
		s.state = StateDead
		s.pending = nil
		s.stopTimeoutLocked()
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to send prompt upstream: %w", err)
	}
	s.mu.Unlock()

	out := <-ch
	return out.resp, out.err
}

// ResumeWithToolResults forwards client verdicts for pending tool calls and
// blocks for the next terminal result, exactly as for a fresh prompt. The
// per-request accumulators are not reset: the continuation belongs to the
// same logical request.
func (s *Session) ResumeWithToolResults(decisions []ToolDecision) (*Response, error) {
	s.mu.Lock()
	if s.state != StateWaitingToolDecision {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("session is %s, not waiting for a tool decision", state)
	}

	ch := make(chan outcome, 1)
	s.pending = ch

	forwarded := 0
	for _, d := range decisions {
		perm, ok := s.pendingPerms[d.ToolCallID]
		if !ok {
			s.logger.Warn("skipping tool decision for unknown call id",
				zap.String("tool_call_id", d.ToolCallID))
			continue
		}
		delete(s.pendingPerms, d.ToolCallID)

		behavior := "deny"
		if d.Approved {
			behavior = "allow"
		}
		frame := companion.ControlResponse(perm.RequestID, behavior, perm.Input, d.Message)
		if err := s.conn.WriteJSON(frame); err != nil {
			s.state = StateDead
			s.pending = nil
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to send tool decision upstream: %w", err)
		}
		s.logger.Info("forwarded tool decision",
			zap.String("tool", perm.Tool),
			zap.String("behavior", behavior))
		forwarded++
	}

	// Nothing went upstream, so the agent is still waiting for its answers.
	// Entering busy here could only ever end in a timeout.
	if forwarded == 0 {
		s.pending = nil
		s.mu.Unlock()
		return nil, fmt.Errorf("no tool decision matched a pending tool call")
	}

	s.state = StateBusy
	s.lastActivity = time.Now()
	s.armTimeoutLocked()
	s.mu.Unlock()

	out := <-ch
	return out.resp, out.err
}

// connect creates the upstream session, opens the WebSocket, and waits for
// the cli_connected frame. session_init alone is not authoritative: it only
// means the Companion loaded a cached session while the agent process may
// still be booting.
func (s *Session) connect(client *companion.Client, permissionMode, cwd string) error {
	ctx, cancel := contextWithTimeout(s.responseTimeout)
	defer cancel()

	upstreamID, err := client.CreateSession(ctx, permissionMode, cwd)
	if err != nil {
		s.markDead()
		return err
	}
	s.mu.Lock()
	s.UpstreamID = upstreamID
	s.mu.Unlock()

	conn, err := client.Dial(ctx, upstreamID)
	if err != nil {
		s.markDead()
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop()

	select {
	case err := <-s.connectCh:
		if err != nil {
			s.markDead()
			return err
		}
		return nil
	case <-time.After(s.responseTimeout):
		s.markDead()
		_ = conn.Close()
		return fmt.Errorf("timed out waiting for agent to connect")
	}
}

func (s *Session) markDead() {
	s.mu.Lock()
	s.state = StateDead
	s.mu.Unlock()
}

// readLoop consumes upstream frames in receive order until the socket closes.
func (s *Session) readLoop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err)
			return
		}

		frame, err := companion.DecodeFrame(data)
		if err != nil {
			s.logger.Warn("undecodable upstream frame", zap.Error(err))
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(f *companion.Frame) {
	switch f.Type {
	case companion.FrameSessionInit:
		s.mu.Lock()
		if f.Session != nil && f.Session.Model != "" {
			s.model = f.Session.Model
		}
		s.mu.Unlock()

	case companion.FrameCLIConnected:
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateReady
			s.rescheduleIdleLocked()
		}
		s.mu.Unlock()
		s.connectOnce.Do(func() { s.connectCh <- nil })

	case companion.FrameAssistant:
		s.handleAssistant(f)

	case companion.FrameStreamEvent:
		s.handleStreamEvent(f)

	case companion.FramePermissionRequest:
		s.handlePermissionRequest(f)

	case companion.FrameToolResult:
		s.emit(ProgressEvent{Kind: ProgressToolResult, Tool: f.ToolName, Success: !f.IsError})

	case companion.FrameResult:
		s.handleResult(f)

	case companion.FrameCLIDisconnected:
		s.handleCLIDisconnected()

	case "ping", "pong", "heartbeat":
		// keepalive noise

	default:
		s.logger.Info("unknown upstream frame", zap.String("frame_type", f.Type))
	}
}

func (s *Session) handleAssistant(f *companion.Frame) {
	// Sub-agent frames narrate nested tool work, not the top-level reply.
	if f.ParentToolUseID != nil {
		return
	}
	if f.Message == nil {
		return
	}

	var deltas []string
	s.mu.Lock()
	for _, block := range f.Message.Content {
		if block.Type == "text" && block.Text != "" {
			s.currentText.WriteString(block.Text)
			deltas = append(deltas, block.Text)
		}
	}
	if f.Message.Usage != nil {
		s.currentInput += f.Message.Usage.InputTokens
		s.currentOutput += f.Message.Usage.OutputTokens
		s.usageSeen = true
	}
	if f.Message.Model != "" {
		s.model = f.Message.Model
	}
	s.currentTurns++
	turn := s.currentTurns
	s.lastActivity = time.Now()
	s.mu.Unlock()

	for _, text := range deltas {
		s.emit(ProgressEvent{Kind: ProgressTextDelta, Text: text})
	}
	s.emit(ProgressEvent{Kind: ProgressTurn, Turn: turn})
}

func (s *Session) handleStreamEvent(f *companion.Frame) {
	if f.Event == nil {
		return
	}
	switch f.Event.Type {
	case "message_start":
		s.emit(ProgressEvent{Kind: ProgressThinking, Status: "Processing..."})
	case "content_block_start":
		if f.Event.ContentBlock == nil {
			return
		}
		switch f.Event.ContentBlock.Type {
		case "thinking":
			s.emit(ProgressEvent{Kind: ProgressThinking, Status: "Thinking..."})
		case "text":
			s.emit(ProgressEvent{Kind: ProgressThinking, Status: "Writing response..."})
		case "tool_use":
			s.emit(ProgressEvent{Kind: ProgressThinking, Status: "Preparing a tool call..."})
		}
	case "content_block_delta":
		// Thinking deltas are logged only, never surfaced as client text.
		s.logger.Debug("stream delta")
	}
}

func (s *Session) handlePermissionRequest(f *companion.Frame) {
	decision := s.policy.Decide(f.ToolName, f.Input)

	s.emit(ProgressEvent{Kind: ProgressToolStart, Tool: f.ToolName, Input: f.Input})

	switch decision {
	case policy.ActionAllow:
		s.mu.Lock()
		if s.conn == nil {
			s.mu.Unlock()
			return
		}
		err := s.conn.WriteJSON(companion.PermissionResponse(f.RequestID, "allow", f.Input, ""))
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("failed to send permission allow", zap.Error(err))
		}
		s.logger.Debug("tool auto-allowed", zap.String("tool", f.ToolName))

	case policy.ActionDeny:
		s.mu.Lock()
		if s.conn == nil {
			s.mu.Unlock()
			return
		}
		err := s.conn.WriteJSON(companion.PermissionResponse(f.RequestID, "deny", nil, "Denied by bridge tool policy"))
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("failed to send permission deny", zap.Error(err))
		}
		s.logger.Info("tool auto-denied", zap.String("tool", f.ToolName))

	case policy.ActionPassthrough:
		s.mu.Lock()
		if s.conn == nil {
			s.mu.Unlock()
			return
		}
		if s.state != StateBusy || s.pending == nil {
			// Nothing awaits: answer deny so the agent does not hang.
			err := s.conn.WriteJSON(companion.PermissionResponse(f.RequestID, "deny", nil, "No client attached to decide this tool call"))
			s.mu.Unlock()
			if err != nil {
				s.logger.Error("failed to send fallback deny", zap.Error(err))
			}
			return
		}

		callID := newToolCallID()
		s.pendingPerms[callID] = &PendingToolCall{
			ToolCallID: callID,
			RequestID:  f.RequestID,
			Tool:       f.ToolName,
			Input:      f.Input,
		}

		resp := &Response{
			Text:             s.currentText.String(),
			Model:            s.model,
			InputTokens:      s.currentInput,
			OutputTokens:     s.currentOutput,
			Cost:             s.currentCost,
			Turns:            s.currentTurns,
			PendingToolCalls: s.snapshotPermsLocked(),
		}

		s.state = StateWaitingToolDecision
		s.stopTimeoutLocked()
		s.resolveLocked(outcome{resp: resp})
		s.mu.Unlock()

		s.logger.Info("tool surfaced to client",
			zap.String("tool", f.ToolName),
			zap.String("tool_call_id", callID))
	}
}

func (s *Session) handleResult(f *companion.Frame) {
	data := f.Data
	if data == nil {
		data = &companion.ResultData{}
	}

	s.mu.Lock()

	if !s.usageSeen && data.Usage != nil {
		s.currentInput = data.Usage.InputTokens
		s.currentOutput = data.Usage.OutputTokens
	}
	s.currentCost = data.TotalCostUSD
	if data.NumTurns > 0 {
		s.currentTurns = data.NumTurns
	}

	s.totalInput += s.currentInput
	s.totalOutput += s.currentOutput
	s.totalTurns += s.currentTurns
	s.totalCost += s.currentCost

	text := s.currentText.String()
	if text == "" {
		if data.IsError && len(data.Errors) > 0 {
			text = strings.Join(data.Errors, "\n")
		} else if data.Result != "" {
			text = data.Result
		}
	}

	s.ctxmgr.OnTurnComplete(&s.Context, s.currentInput)
	warning, warned := contextmgr.CrossedWarning(&s.Context)

	resp := &Response{
		Text:         text,
		Model:        s.model,
		InputTokens:  s.currentInput,
		OutputTokens: s.currentOutput,
		Cost:         s.currentCost,
		Turns:        s.currentTurns,
	}

	s.stopTimeoutLocked()
	s.state = StateReady
	s.lastActivity = time.Now()
	s.rescheduleIdleLocked()
	s.resolveLocked(outcome{resp: resp})
	contextPct := s.Context.LastKnownContextPct
	s.mu.Unlock()

	if warned {
		s.logger.Warn("context window filling up",
			zap.Int("context_pct", contextPct),
			zap.Int("threshold_pct", warning))
		s.publish(bus.SubjectContextWarning, map[string]interface{}{
			"session_key":   s.Key,
			"context_pct":   contextPct,
			"threshold_pct": warning,
		})
	}

	s.publish(bus.SubjectRequestCompleted, map[string]interface{}{
		"session_key":   s.Key,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
		"cost_usd":      resp.Cost,
		"turns":         resp.Turns,
		"is_error":      data.IsError,
	})
}

func (s *Session) handleCLIDisconnected() {
	s.mu.Lock()
	working := s.state == StateBusy || s.state == StateWaitingToolDecision
	if working {
		s.state = StateDead
		s.stopTimeoutLocked()
		s.rejectLocked(fmt.Errorf("%w: agent disconnected mid-request", ErrUpstreamClosed))
	}
	s.mu.Unlock()

	if working {
		s.logger.Error("agent disconnected while a request was in flight")
	} else {
		s.logger.Info("agent disconnected while idle")
	}
}

// handleDisconnect runs when the WebSocket read loop terminates.
func (s *Session) handleDisconnect(err error) {
	s.mu.Lock()
	working := s.state == StateBusy || s.state == StateWaitingToolDecision
	wasConnecting := s.state == StateConnecting
	s.state = StateDead
	s.stopTimeoutLocked()
	s.stopIdleLocked()
	if working {
		s.rejectLocked(fmt.Errorf("%w: %v", ErrUpstreamClosed, err))
	}
	s.mu.Unlock()

	if wasConnecting {
		s.connectOnce.Do(func() { s.connectCh <- fmt.Errorf("upstream connection failed: %w", err) })
	}

	if working {
		s.logger.Error("upstream socket closed mid-request", zap.Error(err))
	} else {
		s.logger.Info("upstream socket closed", zap.Error(err))
	}
}

// resolveLocked completes the in-flight request exactly once. Callers hold mu.
func (s *Session) resolveLocked(out outcome) {
	if s.pending == nil {
		return
	}
	s.pending <- out
	s.pending = nil
}

func (s *Session) rejectLocked(err error) {
	s.resolveLocked(outcome{err: err})
}

func (s *Session) armTimeoutLocked() {
	s.stopTimeoutLocked()
	s.timeout = time.AfterFunc(s.responseTimeout, s.timeoutFired)
}

func (s *Session) stopTimeoutLocked() {
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
}

func (s *Session) timeoutFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return
	}
	s.logger.Warn("response timeout, abandoning in-flight request")
	s.state = StateReady
	s.rescheduleIdleLocked()
	s.rejectLocked(ErrTimeout)
}

func (s *Session) rescheduleIdleLocked() {
	if s.idleTimeout <= 0 || s.onIdle == nil {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() { s.onIdle(s) })
}

func (s *Session) stopIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// emit delivers a progress event to the attached sink, if any.
func (s *Session) emit(ev ProgressEvent) {
	s.mu.Lock()
	sink := s.progress
	s.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (s *Session) publish(subject string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	ctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, subject, bus.NewEvent(subject, data)); err != nil {
		s.logger.Debug("event publish failed", zap.Error(err))
	}
}

func (s *Session) snapshotPermsLocked() []PendingToolCall {
	out := make([]PendingToolCall, 0, len(s.pendingPerms))
	for _, p := range s.pendingPerms {
		out = append(out, *p)
	}
	return out
}

// destroy tears the session down: timers stopped, sink cleared, socket closed.
func (s *Session) destroy() {
	s.mu.Lock()
	s.stopTimeoutLocked()
	s.stopIdleLocked()
	s.progress = nil
	s.state = StateDead
	s.rejectLocked(fmt.Errorf("session destroyed"))
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// newToolCallID synthesizes the 12-hex-char id handed to OpenAI clients.
func newToolCallID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
