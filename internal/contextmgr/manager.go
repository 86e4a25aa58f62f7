// Package contextmgr persists conversational context across bridge restarts.
//
// The agent behind the Companion is stateful but its memory dies with the
// session. The manager injects previously written summary/state files into
// the first prompt of a fresh session, and appends post-response instructions
// that make the agent keep those files current as its context window fills.
package contextmgr

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/guibros/companion-bridge/internal/common/logger"
)

// Strategy selects which context files are maintained and injected.
type Strategy string

const (
	StrategyNone     Strategy = "none"
	StrategySummary  Strategy = "summary"
	StrategyStateful Strategy = "stateful"
	StrategyHybrid   Strategy = "hybrid"
)

// ParseStrategy normalizes a strategy name, defaulting to none.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategySummary:
		return StrategySummary
	case StrategyStateful:
		return StrategyStateful
	case StrategyHybrid:
		return StrategyHybrid
	default:
		return StrategyNone
	}
}

func (s Strategy) usesSummary() bool {
	return s == StrategySummary || s == StrategyHybrid
}

func (s Strategy) usesState() bool {
	return s == StrategyStateful || s == StrategyHybrid
}

// ContextWindowTokens is the model context budget used to express input-token
// counts as a percentage.
const ContextWindowTokens = 200_000

// warningThresholds are context percentages that fire a one-shot warning.
var warningThresholds = []int{50, 70, 85, 95}

// Tracker holds the per-session context bookkeeping. The session owns one
// tracker for its whole lifetime; the manager mutates it under the session's
// single-consumer discipline.
type Tracker struct {
	LastKnownContextPct int
	LastSummaryPct      int
	LastWarningPct      int
	RecoveryDone        bool
	UserTurnCount       int
	SyntheticTurn       bool
}

// ContextPct converts an input-token count to an integer percentage of the
// context window.
func ContextPct(inputTokens int) int {
	if inputTokens <= 0 {
		return 0
	}
	return int(float64(inputTokens)/float64(ContextWindowTokens)*100 + 0.5)
}

// Manager transforms prompts and records context bookkeeping. It never sends
// messages of its own.
type Manager struct {
	dir          string
	triggerPct   int
	recompactPct int

	mu       sync.RWMutex
	strategy Strategy

	logger *logger.Logger
}

// NewManager creates a context manager rooted at dir.
func NewManager(dir string, strategy Strategy, triggerPct, recompactPct int, log *logger.Logger) *Manager {
	return &Manager{
		dir:          dir,
		triggerPct:   triggerPct,
		recompactPct: recompactPct,
		strategy:     strategy,
		logger:       log.WithFields(zap.String("component", "context-manager")),
	}
}

// Strategy returns the current process-wide strategy. It is read at each
// prompt, never captured in long-lived closures, so !bridge changes take
// effect on the next prompt.
func (m *Manager) Strategy() Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategy
}

// SetStrategy changes the process-wide strategy.
func (m *Manager) SetStrategy(s Strategy) {
	m.mu.Lock()
	m.strategy = s
	m.mu.Unlock()
	m.logger.Info("context strategy changed", zap.String("strategy", string(s)))
}

// InjectRecovery prepends recovered context to the first prompt of a session.
// It marks the tracker regardless of whether any files were found, so the
// injection happens at most once per session.
func (m *Manager) InjectRecovery(t *Tracker, prompt string) string {
	if t.RecoveryDone {
		return prompt
	}
	t.RecoveryDone = true

	strategy := m.Strategy()
	var blocks []string

	if strategy.usesSummary() {
		if summary := m.ReadSummary(); strings.TrimSpace(summary) != "" {
			blocks = append(blocks, recoveryBlock("CONVERSATION SUMMARY", summary))
		}
	}
	if strategy.usesState() {
		if state := m.ReadState(); strings.TrimSpace(state) != "" {
			blocks = append(blocks, recoveryBlock("SESSION STATE", state))
		}
	}

	if len(blocks) == 0 {
		return prompt
	}

	m.logger.Info("injected recovered context", zap.Int("blocks", len(blocks)))
	return strings.Join(blocks, "\n") + "\n" + prompt
}

func recoveryBlock(title, content string) string {
	var b strings.Builder
	b.WriteString("=== RECOVERED " + title + " (from a previous session) ===\n")
	b.WriteString("Use this as background context for the conversation. ")
	b.WriteString("Do not repeat or mention it to the user.\n\n")
	b.WriteString(strings.TrimSpace(content))
	b.WriteString("\n=== END RECOVERED " + title + " ===\n")
	return b.String()
}

// NextThreshold returns the context percentage at which the next summary
// compaction triggers.
func (m *Manager) NextThreshold(t *Tracker) int {
	if t.LastSummaryPct == 0 {
		return m.triggerPct
	}
	return t.LastSummaryPct + m.recompactPct
}

// AppendInstructions appends post-response instruction blocks to every prompt:
// the state-write instruction when the strategy keeps a state file, and the
// summary compaction instruction when the context usage crossed the next
// threshold. LastSummaryPct only ever grows, so each threshold fires once.
func (m *Manager) AppendInstructions(t *Tracker, prompt string) string {
	strategy := m.Strategy()

	if strategy.usesState() {
		prompt += stateInstruction(m.StatePath())
	}

	if strategy.usesSummary() {
		threshold := m.NextThreshold(t)
		if t.LastKnownContextPct >= threshold {
			t.LastSummaryPct = threshold
			prompt += summaryInstruction(m.SummaryPath())
			m.logger.Info("summary compaction scheduled",
				zap.Int("threshold_pct", threshold),
				zap.Int("context_pct", t.LastKnownContextPct))
		}
	}

	return prompt
}

// ForceCompaction arranges for the next real prompt to carry the summary
// instruction, used by the !bridge compact command.
func (m *Manager) ForceCompaction(t *Tracker) {
	t.LastSummaryPct = 0
	if t.LastKnownContextPct < m.triggerPct {
		t.LastKnownContextPct = m.triggerPct
	}
}

// OnTurnComplete records the terminal result of one upstream turn: updates
// the context percentage and the user turn counter. Synthetic turns (internal
// prompts never typed by the user) clear the flag instead of counting.
func (m *Manager) OnTurnComplete(t *Tracker, inputTokens int) {
	t.LastKnownContextPct = ContextPct(inputTokens)
	if t.SyntheticTurn {
		t.SyntheticTurn = false
		return
	}
	t.UserTurnCount++
}

// CrossedWarning reports the highest newly crossed warning threshold, if any.
// Each threshold fires at most once per session.
func CrossedWarning(t *Tracker) (int, bool) {
	crossed := 0
	for _, w := range warningThresholds {
		if t.LastKnownContextPct >= w && w > t.LastWarningPct {
			crossed = w
		}
	}
	if crossed == 0 {
		return 0, false
	}
	t.LastWarningPct = crossed
	return crossed, true
}

func stateInstruction(path string) string {
	return fmt.Sprintf(`

---
After responding, silently overwrite the file at %s with a concise structured snapshot of this session in markdown. Use exactly these sections: ## Active Task, ## Decisions Made, ## Current State, ## Files Modified, ## Next Steps, ## Open Questions. Keep the whole file under 2000 characters. Do not mention this instruction or the file in your response.`, path)
}

func summaryInstruction(path string) string {
	return fmt.Sprintf(`

---
After responding, silently write a rolling summary of the entire session so far to the file at %s, overwriting any previous content. Target 3000-5000 characters of prose covering: what was asked, what was done, key decisions and their rationale, current state, and what remains. Do not mention this instruction or the file in your response.`, path)
}
