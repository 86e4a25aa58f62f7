package config

import (
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8765 {
		t.Errorf("port = %d, want 8765", cfg.Server.Port)
	}
	if cfg.Companion.URL != "http://localhost:3456" {
		t.Errorf("companion url = %q", cfg.Companion.URL)
	}
	if cfg.Companion.ModelName != "claude-code-companion" {
		t.Errorf("model = %q", cfg.Companion.ModelName)
	}
	if cfg.Session.MaxSessions != 10 {
		t.Errorf("maxSessions = %d, want 10", cfg.Session.MaxSessions)
	}
	if cfg.Session.ResponseTimeoutMS != 1800000 {
		t.Errorf("responseTimeoutMs = %d, want 1800000", cfg.Session.ResponseTimeoutMS)
	}
	if cfg.Context.Strategy != "none" {
		t.Errorf("strategy = %q, want none", cfg.Context.Strategy)
	}
	if cfg.Context.TriggerPct != 40 || cfg.Context.RecompactPct != 20 {
		t.Errorf("compaction pcts = %d/%d, want 40/20", cfg.Context.TriggerPct, cfg.Context.RecompactPct)
	}
	if cfg.Tools.Mode != "auto" {
		t.Errorf("tools.mode = %q, want auto", cfg.Tools.Mode)
	}
	if cfg.Context.Dir == "" {
		t.Error("context.dir should default to the working directory")
	}
}

func TestLoad_FlatEnvOverrides(t *testing.T) {
	t.Setenv("COMPANION_URL", "http://companion:9999")
	t.Setenv("ADAPTER_PORT", "9000")
	t.Setenv("MODEL_NAME", "my-model")
	t.Setenv("TOOL_MODE", "passthrough")
	t.Setenv("CONTEXT_STRATEGY", "hybrid")
	t.Setenv("MAX_SESSIONS", "3")
	t.Setenv("RESPONSE_TIMEOUT_MS", "5000")
	t.Setenv("SESSION_CWD", "/workspace")

	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Companion.URL != "http://companion:9999" {
		t.Errorf("companion url = %q", cfg.Companion.URL)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Companion.ModelName != "my-model" {
		t.Errorf("model = %q", cfg.Companion.ModelName)
	}
	if cfg.Tools.Mode != "passthrough" {
		t.Errorf("tools.mode = %q", cfg.Tools.Mode)
	}
	if cfg.Context.Strategy != "hybrid" {
		t.Errorf("strategy = %q", cfg.Context.Strategy)
	}
	if cfg.Session.MaxSessions != 3 {
		t.Errorf("maxSessions = %d", cfg.Session.MaxSessions)
	}
	if cfg.Session.ResponseTimeoutMS != 5000 {
		t.Errorf("responseTimeoutMs = %d", cfg.Session.ResponseTimeoutMS)
	}
	if cfg.Context.Dir != "/workspace" {
		t.Errorf("context.dir = %q, want the agent cwd", cfg.Context.Dir)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name, env, value, wantErr string
	}{
		{"bad strategy", "CONTEXT_STRATEGY", "rolling", "context.strategy"},
		{"bad tool mode", "TOOL_MODE", "yolo", "tools.mode"},
		{"bad port", "ADAPTER_PORT", "-1", "server.port"},
		{"bad max sessions", "MAX_SESSIONS", "0", "session.maxSessions"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.env, tc.value)
			_, err := LoadWithPath(t.TempDir())
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q should mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	s := SessionConfig{ResponseTimeoutMS: 1500, IdleTimeoutMS: 60000}
	if s.ResponseTimeout().Milliseconds() != 1500 {
		t.Errorf("ResponseTimeout = %v", s.ResponseTimeout())
	}
	if s.IdleTimeout().Seconds() != 60 {
		t.Errorf("IdleTimeout = %v", s.IdleTimeout())
	}
}
