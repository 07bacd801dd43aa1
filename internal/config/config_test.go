package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults_MatchesDocumentedPorts(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	if cfg.NativePort != 9225 || cfg.CDPPort != 9222 || cfg.ExtPort != 9224 {
		t.Errorf("unexpected default ports: %+v", cfg)
	}
	if cfg.LogLimit != 1000 {
		t.Errorf("expected default log limit 1000, got %d", cfg.LogLimit)
	}
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, ".brop.json"), map[string]any{"cdp_port": 9300})

	cfg, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CDPPort != 9300 {
		t.Errorf("expected project override 9300, got %d", cfg.CDPPort)
	}
	if cfg.NativePort != 9225 {
		t.Errorf("expected untouched default native port, got %d", cfg.NativePort)
	}
}

func TestLoad_EnvVarsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, ".brop.json"), map[string]any{"native_port": 9400})

	t.Setenv("BROP_NATIVE_PORT", "9500")
	t.Setenv("BROP_LOG_LIMIT", "50")

	cfg, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NativePort != 9500 {
		t.Errorf("expected env override 9500, got %d", cfg.NativePort)
	}
	if cfg.LogLimit != 50 {
		t.Errorf("expected env override 50, got %d", cfg.LogLimit)
	}
}

func TestLoad_FlagsOutrankEverything(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, ".brop.json"), map[string]any{"ext_port": 9600})
	t.Setenv("BROP_EXT_PORT", "9700")

	want := 9800
	cfg, err := Load(dir, &FlagOverrides{ExtPort: &want})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ExtPort != 9800 {
		t.Errorf("expected flag override 9800, got %d", cfg.ExtPort)
	}
}

func TestLoad_MissingFilesAreNotErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("expected no error for absent config files, got %v", err)
	}
	if cfg != Defaults() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestValidate_RejectsOutOfRangePorts(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	cfg.CDPPort = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 0")
	}

	cfg = Defaults()
	cfg.ExtPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port > 65535")
	}
}

func TestValidate_RejectsCollidingPorts(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	cfg.CDPPort = cfg.NativePort
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for colliding ports")
	}
}

func TestValidate_RejectsNonPositiveLogLimit(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	cfg.LogLimit = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-positive log limit")
	}
}

func TestLoad_RejectsMalformedProjectFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".brop.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir, nil); err == nil {
		t.Error("expected error for malformed project config")
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
