package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"history_max=50", "temp_unit=C", "read_only=true", `aliases={"!a":"Roof"}`})
	if err != nil {
		t.Fatalf("parseAssignments: %v", err)
	}
	if got["history_max"] != float64(50) {
		t.Fatalf("history_max = %#v", got["history_max"])
	}
	if got["temp_unit"] != "C" {
		t.Fatalf("temp_unit = %#v", got["temp_unit"])
	}
	if got["read_only"] != true {
		t.Fatalf("read_only = %#v", got["read_only"])
	}
	if aliases, ok := got["aliases"].(map[string]any); !ok || aliases["!a"] != "Roof" {
		t.Fatalf("aliases = %#v", got["aliases"])
	}

	for _, bad := range []string{"novalue", "=5"} {
		if _, err := parseAssignments([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSettingsCommandMergesIntoFile(t *testing.T) {
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "settings.json")
	configPath := filepath.Join(dir, "config.yaml")
	cfg := "settings_backend: file\nsettings_file: " + settingsPath + "\nactivity_log_enabled: false\n"
	if err := os.WriteFile(configPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	run := func(args ...string) map[string]any {
		t.Helper()
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--config", configPath, "--log-level", "ERROR", "settings"}, args...))
		if err := cmd.Execute(); err != nil {
			t.Fatalf("settings %v: %v", args, err)
		}
		var got map[string]any
		if err := json.Unmarshal(out.Bytes(), &got); err != nil {
			t.Fatalf("decode output %q: %v", out.String(), err)
		}
		return got
	}

	if got := run("history_max=42"); got["history_max"] != float64(42) {
		t.Fatalf("merged history_max = %#v", got["history_max"])
	}
	if got := run(); got["history_max"] != float64(42) {
		t.Fatalf("persisted history_max = %#v", got["history_max"])
	}
}
