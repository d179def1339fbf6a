package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONVAI_API_KEY", "")
	t.Setenv("CONVAI_BASE_URL", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.API.Agent != "copilotAgent" {
		t.Errorf("expected default agent copilotAgent, got %q", cfg.API.Agent)
	}
	if cfg.MaxConcurrent != 2 || cfg.Retry.MaxAttempts != 3 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Timeout() != 120*time.Second {
		t.Errorf("expected 120s timeout, got %v", cfg.Timeout())
	}
	if cfg.EditInterval() != time.Second {
		t.Errorf("expected 1s edit interval, got %v", cfg.EditInterval())
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected defaults written to disk: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	cfg := Defaults()
	cfg.API.APIKey = "from-file"
	writeTestConfig(t, path, cfg)

	t.Setenv("CONVAI_API_KEY", "from-env")
	t.Setenv("CONVAI_BASE_URL", "https://agents.example.com")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-env")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.API.APIKey != "from-env" {
		t.Errorf("expected env api key, got %q", loaded.API.APIKey)
	}
	if loaded.API.BaseURL != "https://agents.example.com" {
		t.Errorf("expected env base url, got %q", loaded.API.BaseURL)
	}
	if loaded.Telegram.Token != "tg-env" {
		t.Errorf("expected env telegram token, got %q", loaded.Telegram.Token)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{"api":{"agent":"faqAgent"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.API.Agent != "faqAgent" {
		t.Errorf("expected agent from file, got %q", cfg.API.Agent)
	}
	if cfg.API.TimeoutSeconds != 120 || cfg.LogLevel != "info" {
		t.Errorf("expected defaults for missing keys, got %+v", cfg)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{not json`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := &Config{
		DataDir:       "/tmp/test-data",
		LogLevel:      "debug",
		MaxConcurrent: 4,
	}
	original.API.BaseURL = "https://agents.example.com"
	original.API.APIKey = "convai-test-round-trip"
	original.API.Agent = "faqAgent"
	original.API.TimeoutSeconds = 30
	original.Retry.MaxAttempts = 5
	original.Tokens.Encoding = "o200k_base"
	original.Telegram.Token = "bot-token-456"
	original.HTTP.Enabled = true
	original.HTTP.Listen = ":9090"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.MaxConcurrent != original.MaxConcurrent {
		t.Errorf("MaxConcurrent mismatch: %v != %v", loaded.MaxConcurrent, original.MaxConcurrent)
	}
	if loaded.API != original.API {
		t.Errorf("API mismatch: %+v != %+v", loaded.API, original.API)
	}
	if loaded.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts mismatch: %v", loaded.Retry.MaxAttempts)
	}
	if loaded.Tokens.Encoding != "o200k_base" {
		t.Errorf("Tokens.Encoding mismatch: %v", loaded.Tokens.Encoding)
	}
	if loaded.Telegram.Token != original.Telegram.Token {
		t.Errorf("Telegram.Token mismatch: %v != %v", loaded.Telegram.Token, original.Telegram.Token)
	}
	if loaded.HTTP != original.HTTP {
		t.Errorf("HTTP mismatch: %+v != %+v", loaded.HTTP, original.HTTP)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.json")

	if err := Save(path, &Config{LogLevel: "warn"}); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{
		DataDir:  "/tmp/test",
		LogLevel: "debug",
	}
	cfg.API.Agent = "copilotAgent"
	cfg.API.TimeoutSeconds = 60

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}

	api, ok := m["api"].(map[string]any)
	if !ok {
		t.Fatalf("expected api to be map, got %T", m["api"])
	}
	if api["agent"] != "copilotAgent" {
		t.Errorf("expected api.agent=copilotAgent, got %v", api["agent"])
	}
	// JSON numbers are float64
	if api["timeout_seconds"] != float64(60) {
		t.Errorf("expected api.timeout_seconds=60, got %v", api["timeout_seconds"])
	}
}

func TestListValues(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.API.APIKey = "convai-secret-1234"
	cfg.Telegram.Token = "bot-token-abcd"

	plain, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if plain["api.api_key"] != "convai-secret-1234" {
		t.Errorf("expected unmasked api.api_key, got %v", plain["api.api_key"])
	}

	masked, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if masked["api.api_key"] != "***1234" {
		t.Errorf("expected masked api.api_key=***1234, got %v", masked["api.api_key"])
	}
	if masked["telegram.token"] != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", masked["telegram.token"])
	}
	if masked["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", masked["log_level"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "debug", MaxConcurrent: 8}
	cfg.API.Agent = "faqAgent"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "api.agent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "faqAgent" {
		t.Errorf("expected api.agent=faqAgent, got %v", v)
	}

	v, err = GetValue(path, "max_concurrent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(8) {
		t.Errorf("expected max_concurrent=8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestGetValue_NonexistentFile(t *testing.T) {
	// Load creates the file with defaults.
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSetValue_Types(t *testing.T) {
	tests := []struct {
		key   string
		value string
		want  any
	}{
		{"log_level", "debug", "debug"},
		{"max_concurrent", "16", float64(16)},
		{"http.enabled", "true", true},
		{"api.agent", "faqAgent", "faqAgent"},
		{"custom.setting", "value", "value"},
		{"api.base_url", `{"x":1}`, `{"x":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			path := tempConfigPath(t)
			cfg := &Config{LogLevel: "info", MaxConcurrent: 2}
			cfg.API.APIKey = "keep-me"
			writeTestConfig(t, path, cfg)

			if err := SetValue(path, tt.key, tt.value); err != nil {
				t.Fatalf("SetValue failed: %v", err)
			}
			v, err := GetValue(path, tt.key)
			if err != nil {
				t.Fatalf("GetValue failed: %v", err)
			}
			if v != tt.want {
				t.Errorf("expected %s=%v, got %v (%T)", tt.key, tt.want, v, v)
			}

			// Other values are preserved
			v, err = GetValue(path, "api.api_key")
			if err != nil {
				t.Fatalf("GetValue failed: %v", err)
			}
			if v != "keep-me" {
				t.Errorf("expected api.api_key preserved, got %v", v)
			}
		})
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}
