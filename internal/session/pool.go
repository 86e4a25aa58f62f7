package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guibros/companion-bridge/internal/common/config"
	"github.com/guibros/companion-bridge/internal/common/logger"
	"github.com/guibros/companion-bridge/internal/companion"
	"github.com/guibros/companion-bridge/internal/contextmgr"
	"github.com/guibros/companion-bridge/internal/events/bus"
	"github.com/guibros/companion-bridge/internal/policy"
)

// ErrPoolFull reports that the pool is at capacity and every slot has work
// in flight, so none could be evicted for a new session.
var ErrPoolFull = errors.New("session pool is full")

// Snapshot is a point-in-time view of one session for diagnostics.
type Snapshot struct {
	Key               string    `json:"key"`
	UpstreamID        string    `json:"upstream_session_id"`
	State             State     `json:"state"`
	Model             string    `json:"model"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	IdleSeconds       int       `json:"idle_seconds"`
	TotalInputTokens  int       `json:"total_input_tokens"`
	TotalOutputTokens int       `json:"total_output_tokens"`
	TotalTurns        int       `json:"total_turns"`
	TotalCostUSD      float64   `json:"total_cost_usd"`
	ContextPct        int       `json:"context_pct"`
	UserTurns         int       `json:"user_turns"`
}

// Pool keys sessions by client identity and enforces the size cap. Lookups
// never hand out dead sessions; callers get a fresh one instead.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*Session

	client *companion.Client
	policy *policy.Engine
	ctxmgr *contextmgr.Manager
	events bus.EventBus

	maxSessions     int
	responseTimeout time.Duration
	idleTimeout     time.Duration
	permissionMode  string
	cwd             string
	defaultModel    string

	logger *logger.Logger
}

// NewPool creates the session pool.
func NewPool(client *companion.Client, pol *policy.Engine, cm *contextmgr.Manager, eb bus.EventBus,
	cfg config.SessionConfig, comp config.CompanionConfig, log *logger.Logger) *Pool {
	return &Pool{
		sessions:        make(map[string]*Session),
		client:          client,
		policy:          pol,
		ctxmgr:          cm,
		events:          eb,
		maxSessions:     cfg.MaxSessions,
		responseTimeout: cfg.ResponseTimeout(),
		idleTimeout:     cfg.IdleTimeout(),
		permissionMode:  comp.PermissionMode,
		cwd:             comp.CWD,
		defaultModel:    comp.ModelName,
		logger:          log.WithFields(zap.String("component", "session-pool")),
	}
}

// Get returns the live session for key, creating one if the slot is empty or
// holds a dead session. Creation blocks until the upstream agent reports
// cli_connected.
func (p *Pool) Get(key, modelHint string) (*Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[key]; ok {
		if s.State() != StateDead {
			p.mu.Unlock()
			s.Touch()
			return s, nil
		}
		delete(p.sessions, key)
		go p.teardown(s, "dead on lookup")
	}

	p.sweepDeadLocked()
	if !p.evictForRoomLocked() {
		p.mu.Unlock()
		return nil, fmt.Errorf("no slot for session %q: %w", key, ErrPoolFull)
	}

	if modelHint == "" {
		modelHint = p.defaultModel
	}
	s := newSession(key, modelHint, p.policy, p.ctxmgr, p.events,
		p.responseTimeout, p.idleTimeout, p.handleIdle, p.logger)
	p.sessions[key] = s
	p.mu.Unlock()

	p.logger.Info("creating session", zap.String("session_key", key))
	if err := s.connect(p.client, p.permissionMode, p.cwd); err != nil {
		p.mu.Lock()
		if p.sessions[key] == s {
			delete(p.sessions, key)
		}
		p.mu.Unlock()
		s.destroy()
		return nil, fmt.Errorf("failed to create session %q: %w", key, err)
	}

	p.publish(bus.SubjectSessionCreated, map[string]interface{}{
		"session_key":         key,
		"upstream_session_id": s.UpstreamID,
	})
	return s, nil
}

// Lookup returns the session for key without creating one.
func (p *Pool) Lookup(key string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[key]
	return s, ok
}

// Destroy removes and tears down the session for key. Destroying a missing
// key is a no-op.
func (p *Pool) Destroy(key, reason string) bool {
	p.mu.Lock()
	s, ok := p.sessions[key]
	if ok {
		delete(p.sessions, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	p.teardown(s, reason)
	return true
}

// List snapshots every pooled session, for the diagnostics endpoints.
func (p *Pool) List() []Snapshot {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Size returns the number of pooled sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Shutdown tears down every session.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		p.teardown(s, "shutdown")
	}
}

// sweepDeadLocked removes sessions whose socket already died.
func (p *Pool) sweepDeadLocked() {
	for key, s := range p.sessions {
		if s.State() == StateDead {
			delete(p.sessions, key)
			go p.teardown(s, "dead sweep")
		}
	}
}

// evictForRoomLocked evicts least-recently-active ready or dead sessions
// until the pool has room for one more. Sessions with work in flight are
// never evicted; it reports false when capacity cannot be freed.
func (p *Pool) evictForRoomLocked() bool {
	for len(p.sessions) >= p.maxSessions {
		var victim *Session
		var victimKey string
		for key, s := range p.sessions {
			st := s.State()
			if st != StateReady && st != StateDead {
				continue
			}
			if victim == nil || s.lastActivityTime().Before(victim.lastActivityTime()) {
				victim = s
				victimKey = key
			}
		}
		if victim == nil {
			p.logger.Warn("pool at capacity with no evictable session",
				zap.Int("size", len(p.sessions)))
			return false
		}
		delete(p.sessions, victimKey)
		go p.teardown(victim, "lru eviction")
	}
	return true
}

// handleIdle fires on a session's idle timer. Working sessions get their
// timer rescheduled instead of being evicted.
func (p *Pool) handleIdle(s *Session) {
	switch s.State() {
	case StateReady, StateDead:
		p.mu.Lock()
		if p.sessions[s.Key] == s {
			delete(p.sessions, s.Key)
		}
		p.mu.Unlock()
		p.teardown(s, "idle timeout")
	default:
		s.Touch()
	}
}

// teardown destroys a session and tells the Companion to kill its upstream.
func (p *Pool) teardown(s *Session, reason string) {
	idle := int(time.Since(s.lastActivityTime()).Seconds())
	s.destroy()
	if s.UpstreamID != "" {
		p.client.KillSession(s.UpstreamID)
	}

	p.logger.Info("session destroyed",
		zap.String("session_key", s.Key),
		zap.String("upstream_session_id", s.UpstreamID),
		zap.String("reason", reason),
		zap.Int("idle_seconds", idle))

	p.publish(bus.SubjectSessionDestroyed, map[string]interface{}{
		"session_key":         s.Key,
		"upstream_session_id": s.UpstreamID,
		"reason":              reason,
		"idle_seconds":        idle,
	})
}

func (p *Pool) publish(subject string, data map[string]interface{}) {
	if p.events == nil {
		return
	}
	ctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()
	if err := p.events.Publish(ctx, subject, bus.NewEvent(subject, data)); err != nil {
		p.logger.Debug("event publish failed", zap.Error(err))
	}
}

func (s *Session) lastActivityTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Key:               s.Key,
		UpstreamID:        s.UpstreamID,
		State:             s.state,
		Model:             s.model,
		CreatedAt:         s.createdAt,
		LastActivity:      s.lastActivity,
		IdleSeconds:       int(time.Since(s.lastActivity).Seconds()),
		TotalInputTokens:  s.totalInput,
		TotalOutputTokens: s.totalOutput,
		TotalTurns:        s.totalTurns,
		TotalCostUSD:      s.totalCost,
		ContextPct:        s.Context.LastKnownContextPct,
		UserTurns:         s.Context.UserTurnCount,
	}
}

// ContextState returns a copy of the session's context tracker.
func (s *Session) ContextState() contextmgr.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Context
}

// WithTracker runs f with exclusive access to the context tracker.
func (s *Session) WithTracker(f func(t *contextmgr.Tracker)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.Context)
}

// Totals exposes the lifetime counters for the !bridge status report.
func (s *Session) Totals() (inputTokens, outputTokens, turns int, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalInput, s.totalOutput, s.totalTurns, s.totalCost
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
