package main

import (
	"log/slog"
	"testing"

	"github.com/antigravity-dev/marcus/internal/config"
)

func TestConfigureLogger_LevelParsing(t *testing.T) {
	cases := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		logger := configureLogger(tc.input, true)
		if !logger.Enabled(nil, tc.want) {
			t.Fatalf("level %q: expected %v enabled", tc.input, tc.want)
		}
		if tc.want > slog.LevelDebug && logger.Enabled(nil, tc.want-4) {
			t.Fatalf("level %q: %v must be filtered", tc.input, tc.want-4)
		}
	}
}

func TestValidateRuntimeConfigReload(t *testing.T) {
	base := config.Default()
	base.General.StateDB = "/var/lib/marcus/state.db"
	base.General.DataDir = "/var/lib/marcus"

	same := *base
	if err := validateRuntimeConfigReload(base, &same); err != nil {
		t.Fatalf("identical config must reload: %v", err)
	}

	moved := *base
	moved.General.StateDB = "/tmp/other.db"
	if err := validateRuntimeConfigReload(base, &moved); err == nil {
		t.Fatal("state_db change must require restart")
	}

	relocated := *base
	relocated.General.DataDir = "/tmp/elsewhere"
	if err := validateRuntimeConfigReload(base, &relocated); err == nil {
		t.Fatal("data_dir change must require restart")
	}

	if err := validateRuntimeConfigReload(nil, base); err == nil {
		t.Fatal("nil config must be rejected")
	}
}

func TestFirstEnabledProject(t *testing.T) {
	cfg := config.Default()
	cfg.Projects = map[string]config.Project{
		"zeta":  {Enabled: true, Board: "b1"},
		"alpha": {Enabled: true, Board: "b2"},
		"off":   {Enabled: false, Board: "b3"},
	}
	id, ok := firstEnabledProject(cfg)
	if !ok || id != "alpha" {
		t.Fatalf("expected alpha, got %q ok=%v", id, ok)
	}

	cfg.Projects = map[string]config.Project{"off": {Enabled: false}}
	if _, ok := firstEnabledProject(cfg); ok {
		t.Fatal("expected no enabled project")
	}
}
