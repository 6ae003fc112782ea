package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DECKPILOT_CONFIG_PATH", "")
	t.Setenv("DECKPILOT_BASE_URL", "")
	t.Setenv("DECKPILOT_MODEL", "")
	t.Setenv("DECKPILOT_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DECKPILOT_DATA_DIR", "")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deckpilot.config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Selector.Threshold != 0.75 {
		t.Fatalf("threshold=%v, want 0.75", cfg.Selector.Threshold)
	}
	if cfg.Selector.ClarifyOptions != 3 {
		t.Fatalf("clarify options=%d, want 3", cfg.Selector.ClarifyOptions)
	}
	if cfg.Executor.MaxConsecutiveFailures != 3 {
		t.Fatalf("max consecutive failures=%d, want 3", cfg.Executor.MaxConsecutiveFailures)
	}
	if cfg.Reasoning.MaxAttempts != 2 {
		t.Fatalf("max attempts=%d, want 2", cfg.Reasoning.MaxAttempts)
	}
	if cfg.Provider.Model == "" || cfg.Provider.BaseURL == "" {
		t.Fatalf("provider defaults missing: %+v", cfg.Provider)
	}
}

func TestLoad_NoConfigFileUsesDefaults(t *testing.T) {
	isolateEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Selector.Threshold != 0.75 {
		t.Fatalf("threshold=%v, want default 0.75", cfg.Selector.Threshold)
	}
}

func TestLoad_PartialFileMerge(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, `{
		// provider 覆盖 / provider overrides
		"provider": {"model": "gpt-4o"},
		"selector": {"threshold": 0.6, "per_action": {"select_items_by_type": 0.5}},
		"executor": {"step_timeout_ms": 10000}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Model != "gpt-4o" {
		t.Fatalf("model=%q, want gpt-4o", cfg.Provider.Model)
	}
	// 未设置的字段保留默认值
	// Unset fields keep their defaults
	if cfg.Provider.BaseURL != "https://api.openai.com/v1" {
		t.Fatalf("base url=%q, want default", cfg.Provider.BaseURL)
	}
	if cfg.Selector.Threshold != 0.6 {
		t.Fatalf("threshold=%v, want 0.6", cfg.Selector.Threshold)
	}
	if cfg.Selector.PerAction["select_items_by_type"] != 0.5 {
		t.Fatalf("per-action=%v", cfg.Selector.PerAction)
	}
	if cfg.Selector.ClarifyOptions != 3 {
		t.Fatalf("clarify options=%d, want default 3", cfg.Selector.ClarifyOptions)
	}
	if cfg.Executor.StepTimeoutMS != 10000 {
		t.Fatalf("step timeout=%d, want 10000", cfg.Executor.StepTimeoutMS)
	}
	if cfg.Executor.MaxConsecutiveFailures != 3 {
		t.Fatalf("max consecutive failures=%d, want default 3", cfg.Executor.MaxConsecutiveFailures)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, `{"provider": {"model": "gpt-4o", "api_key": "from-file"}}`)
	t.Setenv("DECKPILOT_MODEL", "gpt-4o-mini")
	t.Setenv("DECKPILOT_API_KEY", "from-env")
	t.Setenv("DECKPILOT_DATA_DIR", filepath.Join(t.TempDir(), "data"))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Model != "gpt-4o-mini" {
		t.Fatalf("model=%q, want env override", cfg.Provider.Model)
	}
	if cfg.Provider.APIKey != "from-env" {
		t.Fatalf("api key=%q, want env override", cfg.Provider.APIKey)
	}
	if !strings.HasSuffix(cfg.Storage.BaseDir, "data") {
		t.Fatalf("base dir=%q, want env data dir", cfg.Storage.BaseDir)
	}
}

func TestLoad_OpenAIKeyFallback(t *testing.T) {
	isolateEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "sk-fallback" {
		t.Fatalf("api key=%q, want OPENAI_API_KEY fallback", cfg.Provider.APIKey)
	}
}

func TestLoad_InvalidValuesNormalized(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, `{
		"selector": {"threshold": 1.5, "clarify_options": 0, "per_action": {"x": -1}},
		"executor": {"max_consecutive_failures": -2}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Selector.Threshold != 0.75 {
		t.Fatalf("out-of-range threshold not normalized: %v", cfg.Selector.Threshold)
	}
	if cfg.Selector.ClarifyOptions != 3 {
		t.Fatalf("clarify options=%d, want normalized 3", cfg.Selector.ClarifyOptions)
	}
	if _, ok := cfg.Selector.PerAction["x"]; ok {
		t.Fatalf("invalid per-action threshold survived normalization")
	}
	if cfg.Executor.MaxConsecutiveFailures != 3 {
		t.Fatalf("max consecutive failures=%d, want normalized 3", cfg.Executor.MaxConsecutiveFailures)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, `{"provider": `)
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed config should fail Load")
	}
}

func TestStripJSONComments(t *testing.T) {
	in := []byte(`{
		// line comment
		"a": "value // not a comment",
		/* block
		   comment */
		"b": "/* also not a comment */"
	}`)
	out := string(stripJSONComments(in))
	if strings.Contains(out, "line comment") || strings.Contains(out, "block") {
		t.Fatalf("comments survived: %s", out)
	}
	if !strings.Contains(out, "value // not a comment") {
		t.Fatalf("string content mangled: %s", out)
	}
	if !strings.Contains(out, "/* also not a comment */") {
		t.Fatalf("string content mangled: %s", out)
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := expandPath("~/state")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if got != filepath.Join(home, "state") {
		t.Fatalf("expanded=%q, want under %q", got, home)
	}

	got, err = expandPath("")
	if err != nil || got != "" {
		t.Fatalf("empty path should expand to empty: %q, %v", got, err)
	}
}
