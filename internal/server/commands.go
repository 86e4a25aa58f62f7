package server

import (
	"fmt"
	"strings"

	"github.com/guibros/companion-bridge/internal/contextmgr"
)

// bridgeCommandPrefix marks prompts handled locally, never sent upstream.
const bridgeCommandPrefix = "!bridge"

func isBridgeCommand(prompt string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(prompt)), bridgeCommandPrefix)
}

// bridgeCommandText executes one !bridge command and renders its reply.
func (h *Handler) bridgeCommandText(key, prompt string) string {
	fields := strings.Fields(strings.TrimSpace(prompt))
	cmd := ""
	if len(fields) > 1 {
		cmd = strings.ToLower(fields[1])
	}

	switch cmd {
	case "summary", "stateful", "hybrid", "none":
		h.ctxmgr.SetStrategy(contextmgr.Strategy(cmd))
		return fmt.Sprintf("Context strategy set to **%s**. It applies from the next prompt.", cmd)

	case "", "status":
		return h.statusText(key)

	case "compact":
		s, ok := h.pool.Lookup(key)
		if !ok {
			return fmt.Sprintf("No active session for key `%s`; nothing to compact.", key)
		}
		s.WithTracker(func(t *contextmgr.Tracker) {
			h.ctxmgr.ForceCompaction(t)
		})
		return "🔄 Compaction scheduled: the next prompt will rewrite the summary file."

	case "checkpoint":
		strategy := h.ctxmgr.Strategy()
		if strategy == contextmgr.StrategyNone || strategy == contextmgr.StrategySummary {
			h.ctxmgr.SetStrategy(contextmgr.StrategyHybrid)
			return "📋 Checkpointing enabled: strategy is now **hybrid**; the next prompt will write the state file."
		}
		return fmt.Sprintf("Strategy **%s** already maintains the state file.", strategy)

	case "reset":
		if h.pool.Destroy(key, "bridge reset") {
			return fmt.Sprintf("Session `%s` destroyed. Context files remain on disk; a fresh session starts on the next prompt.", key)
		}
		return fmt.Sprintf("No active session for key `%s`.", key)

	default:
		return helpText()
	}
}

func (h *Handler) statusText(key string) string {
	strategy := h.ctxmgr.Strategy()
	summarySize, stateSize := h.ctxmgr.FileSizes()

	var tracker contextmgr.Tracker
	var cost float64
	if s, ok := h.pool.Lookup(key); ok {
		tracker = s.ContextState()
		_, _, _, cost = s.Totals()
	}

	var b strings.Builder
	b.WriteString("🔧 Bridge status\n\n")
	fmt.Fprintf(&b, "📊 Context: %d%% of %dk tokens\n", tracker.LastKnownContextPct, contextmgr.ContextWindowTokens/1000)
	fmt.Fprintf(&b, "📈 Strategy: %s\n", strategy)
	fmt.Fprintf(&b, "📝 Summary file: %d bytes\n", summarySize)
	fmt.Fprintf(&b, "📋 State file: %d bytes\n", stateSize)
	fmt.Fprintf(&b, "🔄 Next compaction at %d%%\n", h.ctxmgr.NextThreshold(&tracker))
	fmt.Fprintf(&b, "⏱️ User turns: %d\n", tracker.UserTurnCount)
	fmt.Fprintf(&b, "💰 Lifetime cost: $%.4f\n", cost)
	fmt.Fprintf(&b, "🏷️ Pool key: %s\n", key)
	return b.String()
}

func helpText() string {
	return strings.TrimSpace(`
🔧 Bridge commands

- !bridge status — show context usage, strategy, file sizes, and session info
- !bridge summary | stateful | hybrid | none — switch the context strategy
- !bridge compact — force a summary rewrite on the next prompt
- !bridge checkpoint — enable state-file writing from the next prompt
- !bridge reset — destroy the current session (context files are kept)
- !bridge help — this message
`)
}
