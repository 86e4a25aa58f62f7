package contextmgr

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/guibros/companion-bridge/internal/common/logger"
)

func newTestManager(t *testing.T, strategy Strategy) *Manager {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return NewManager(t.TempDir(), strategy, 40, 20, log)
}

func TestContextPct(t *testing.T) {
	cases := []struct {
		tokens int
		want   int
	}{
		{0, 0},
		{-5, 0},
		{80_000, 40},
		{120_000, 60},
		{200_000, 100},
		{1_000, 1}, // 0.5% rounds up
	}
	for _, tc := range cases {
		if got := ContextPct(tc.tokens); got != tc.want {
			t.Errorf("ContextPct(%d) = %d, want %d", tc.tokens, got, tc.want)
		}
	}
}

func TestInjectRecovery_SummaryContent(t *testing.T) {
	m := newTestManager(t, StrategySummary)
	if err := os.WriteFile(m.SummaryPath(), []byte("SUMMARY-XYZ"), 0644); err != nil {
		t.Fatal(err)
	}

	tr := &Tracker{}
	out := m.InjectRecovery(tr, "hello")

	if !strings.Contains(out, "SUMMARY-XYZ") {
		t.Errorf("expected recovered summary in prompt, got: %s", out)
	}
	if !strings.HasSuffix(out, "hello") {
		t.Errorf("original prompt should come last, got: %s", out)
	}
	if !tr.RecoveryDone {
		t.Error("RecoveryDone should be set")
	}

	// Second prompt in the same session carries no prefix
	out2 := m.InjectRecovery(tr, "hello again")
	if out2 != "hello again" {
		t.Errorf("second prompt should be untouched, got: %s", out2)
	}
}

func TestInjectRecovery_MarksDoneWithoutFiles(t *testing.T) {
	m := newTestManager(t, StrategyHybrid)

	tr := &Tracker{}
	out := m.InjectRecovery(tr, "hello")
	if out != "hello" {
		t.Errorf("prompt should be unchanged with no files, got: %s", out)
	}
	if !tr.RecoveryDone {
		t.Error("RecoveryDone should be set even when no files were found")
	}
}

func TestInjectRecovery_StrategyGating(t *testing.T) {
	m := newTestManager(t, StrategyStateful)
	_ = os.WriteFile(m.SummaryPath(), []byte("SUMMARY-ONLY"), 0644)
	_ = os.WriteFile(m.StatePath(), []byte("STATE-ONLY"), 0644)

	out := m.InjectRecovery(&Tracker{}, "hi")
	if strings.Contains(out, "SUMMARY-ONLY") {
		t.Error("stateful strategy must not inject the summary file")
	}
	if !strings.Contains(out, "STATE-ONLY") {
		t.Error("stateful strategy should inject the state file")
	}
}

func TestInjectRecovery_NoneStrategy(t *testing.T) {
	m := newTestManager(t, StrategyNone)
	_ = os.WriteFile(m.SummaryPath(), []byte("SUMMARY"), 0644)

	out := m.InjectRecovery(&Tracker{}, "hi")
	if out != "hi" {
		t.Errorf("none strategy should not inject anything, got: %s", out)
	}
}

func TestAppendInstructions_StateEveryPrompt(t *testing.T) {
	m := newTestManager(t, StrategyStateful)
	tr := &Tracker{}

	out := m.AppendInstructions(tr, "do something")
	if !strings.Contains(out, m.StatePath()) {
		t.Error("state instruction should carry the absolute state path")
	}
	if !strings.Contains(out, "## Active Task") {
		t.Error("state instruction should list the documented sections")
	}

	// Appended on every prompt, not just the first
	out2 := m.AppendInstructions(tr, "again")
	if !strings.Contains(out2, m.StatePath()) {
		t.Error("state instruction should appear on every prompt")
	}
}

func TestAppendInstructions_CompactionThresholds(t *testing.T) {
	m := newTestManager(t, StrategySummary)
	tr := &Tracker{}

	// Below trigger: no instruction
	tr.LastKnownContextPct = 39
	if out := m.AppendInstructions(tr, "p"); strings.Contains(out, m.SummaryPath()) {
		t.Error("no compaction below the trigger threshold")
	}

	// At 40%: first compaction
	tr.LastKnownContextPct = 40
	out := m.AppendInstructions(tr, "p")
	if !strings.Contains(out, m.SummaryPath()) {
		t.Error("compaction expected at 40%")
	}
	if tr.LastSummaryPct != 40 {
		t.Errorf("LastSummaryPct = %d, want 40", tr.LastSummaryPct)
	}

	// Same pct again: threshold moved to 60, no re-trigger
	if out := m.AppendInstructions(tr, "p"); strings.Contains(out, m.SummaryPath()) {
		t.Error("compaction must not re-fire at the same percentage")
	}

	// At 60%: second compaction
	tr.LastKnownContextPct = 60
	out = m.AppendInstructions(tr, "p")
	if !strings.Contains(out, m.SummaryPath()) {
		t.Error("compaction expected at 60%")
	}
	if tr.LastSummaryPct != 60 {
		t.Errorf("LastSummaryPct = %d, want 60", tr.LastSummaryPct)
	}

	// Context shrinks back to 40%: monotone, no instruction
	tr.LastKnownContextPct = 40
	if out := m.AppendInstructions(tr, "p"); strings.Contains(out, m.SummaryPath()) {
		t.Error("compaction must not fire when usage drops below the last threshold")
	}
	if tr.LastSummaryPct != 60 {
		t.Errorf("LastSummaryPct must be monotone, got %d", tr.LastSummaryPct)
	}
}

func TestForceCompaction(t *testing.T) {
	m := newTestManager(t, StrategySummary)
	tr := &Tracker{LastSummaryPct: 60, LastKnownContextPct: 10}

	m.ForceCompaction(tr)

	out := m.AppendInstructions(tr, "p")
	if !strings.Contains(out, m.SummaryPath()) {
		t.Error("next prompt after ForceCompaction should carry the summary instruction")
	}
}

func TestOnTurnComplete(t *testing.T) {
	m := newTestManager(t, StrategyNone)
	tr := &Tracker{}

	m.OnTurnComplete(tr, 80_000)
	if tr.LastKnownContextPct != 40 {
		t.Errorf("LastKnownContextPct = %d, want 40", tr.LastKnownContextPct)
	}
	if tr.UserTurnCount != 1 {
		t.Errorf("UserTurnCount = %d, want 1", tr.UserTurnCount)
	}

	// Synthetic turn clears the flag and skips counting
	tr.SyntheticTurn = true
	m.OnTurnComplete(tr, 90_000)
	if tr.UserTurnCount != 1 {
		t.Errorf("synthetic turn must not count, got %d", tr.UserTurnCount)
	}
	if tr.SyntheticTurn {
		t.Error("synthetic flag should be cleared")
	}

	m.OnTurnComplete(tr, 90_000)
	if tr.UserTurnCount != 2 {
		t.Errorf("UserTurnCount = %d, want 2", tr.UserTurnCount)
	}
}

func TestCrossedWarning_FiresOncePerThreshold(t *testing.T) {
	tr := &Tracker{}

	tr.LastKnownContextPct = 30
	if _, ok := CrossedWarning(tr); ok {
		t.Error("no warning below 50%")
	}

	tr.LastKnownContextPct = 55
	if w, ok := CrossedWarning(tr); !ok || w != 50 {
		t.Errorf("expected 50%% warning, got %d ok=%v", w, ok)
	}
	if _, ok := CrossedWarning(tr); ok {
		t.Error("50% warning must fire only once")
	}

	// Jumping over several thresholds fires the highest
	tr.LastKnownContextPct = 96
	if w, ok := CrossedWarning(tr); !ok || w != 95 {
		t.Errorf("expected 95%% warning, got %d ok=%v", w, ok)
	}
	if _, ok := CrossedWarning(tr); ok {
		t.Error("no further warnings after 95%")
	}
}

func TestFileSizes(t *testing.T) {
	m := newTestManager(t, StrategyHybrid)

	s, st := m.FileSizes()
	if s != 0 || st != 0 {
		t.Errorf("missing files should report zero sizes, got %d/%d", s, st)
	}

	_ = os.WriteFile(m.SummaryPath(), []byte("12345"), 0644)
	s, _ = m.FileSizes()
	if s != 5 {
		t.Errorf("summary size = %d, want 5", s)
	}
}

func TestReadFile_MissingDirectory(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	m := NewManager(filepath.Join(t.TempDir(), "does", "not", "exist"), StrategyHybrid, 40, 20, log)

	if got := m.ReadSummary(); got != "" {
		t.Errorf("expected empty summary from missing dir, got %q", got)
	}
}
