package policy

import (
	"testing"

	"github.com/guibros/companion-bridge/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func TestEngine_DefaultsAutoMode(t *testing.T) {
	e := NewEngine("", "auto", testLogger(t))

	cases := []struct {
		tool string
		want Action
	}{
		{"Read", ActionAllow},
		{"read", ActionAllow}, // case-insensitive
		{"Glob", ActionAllow},
		{"Grep", ActionAllow},
		{"WebSearch", ActionAllow},
		{"Task", ActionAllow},
		{"Bash", ActionAllow}, // catch-all in auto mode
		{"Write", ActionAllow},
	}

	for _, tc := range cases {
		if got := e.Decide(tc.tool, nil); got != tc.want {
			t.Errorf("Decide(%q) = %v, want %v", tc.tool, got, tc.want)
		}
	}
}

func TestEngine_DefaultsPassthroughMode(t *testing.T) {
	e := NewEngine("", "passthrough", testLogger(t))

	if got := e.Decide("Read", nil); got != ActionAllow {
		t.Errorf("Read should stay allowed in passthrough mode, got %v", got)
	}
	if got := e.Decide("Bash", nil); got != ActionPassthrough {
		t.Errorf("Bash should be passthrough, got %v", got)
	}
	if got := e.Decide("Edit", nil); got != ActionPassthrough {
		t.Errorf("Edit should be passthrough, got %v", got)
	}
}

func TestEngine_OverrideRules(t *testing.T) {
	policyJSON := `[
		{"tool":"Bash","action":"deny","input_contains":"rm -rf"},
		{"tool":"Bash","action":"allow"},
		{"tool":"*","action":"passthrough"}
	]`
	e := NewEngine(policyJSON, "auto", testLogger(t))

	if got := e.Decide("Bash", map[string]interface{}{"command": "rm -rf /tmp/x"}); got != ActionDeny {
		t.Errorf("destructive Bash should be denied, got %v", got)
	}
	if got := e.Decide("Bash", map[string]interface{}{"command": "ls"}); got != ActionAllow {
		t.Errorf("plain Bash should be allowed, got %v", got)
	}
	if got := e.Decide("Write", map[string]interface{}{"file_path": "/x"}); got != ActionPassthrough {
		t.Errorf("Write should hit catch-all passthrough, got %v", got)
	}
}

func TestEngine_MalformedOverrideFallsBack(t *testing.T) {
	e := NewEngine(`{"not":"an array"}`, "passthrough", testLogger(t))

	// Defaults for passthrough mode apply
	if got := e.Decide("Bash", nil); got != ActionPassthrough {
		t.Errorf("expected defaults after malformed override, got %v", got)
	}

	e = NewEngine(`[{"tool":"Bash","action":"explode"}]`, "auto", testLogger(t))
	if got := e.Decide("Bash", nil); got != ActionAllow {
		t.Errorf("expected defaults after invalid action, got %v", got)
	}
}

func TestEngine_NoMatchDefaultsToAllow(t *testing.T) {
	e := NewEngine(`[{"tool":"Bash","action":"deny"}]`, "auto", testLogger(t))
	if got := e.Decide("Read", nil); got != ActionAllow {
		t.Errorf("unmatched tool should default to allow, got %v", got)
	}
}

func TestEngine_Deterministic(t *testing.T) {
	e := NewEngine("", "passthrough", testLogger(t))
	input := map[string]interface{}{"command": "make build", "timeout": 60}

	first := e.Decide("Bash", input)
	for i := 0; i < 50; i++ {
		if got := e.Decide("Bash", input); got != first {
			t.Fatalf("decision changed between calls: %v then %v", first, got)
		}
	}
}
