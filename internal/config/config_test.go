package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gostt-dictate/internal/transcribe"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Transcribe.Engine != "whisper" {
		t.Errorf("Transcribe.Engine = %q, want %q", cfg.Transcribe.Engine, "whisper")
	}
	if cfg.Transcribe.ModelSize != "base.en" {
		t.Errorf("Transcribe.ModelSize = %q, want %q", cfg.Transcribe.ModelSize, "base.en")
	}
	if cfg.Hotkey.Mode != "hold" {
		t.Errorf("Hotkey.Mode = %q, want %q", cfg.Hotkey.Mode, "hold")
	}
	if len(cfg.Hotkey.Keys) != 3 {
		t.Errorf("Hotkey.Keys length = %d, want 3", len(cfg.Hotkey.Keys))
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("Audio.SampleRate = %d, want 16000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Channels != 1 {
		t.Errorf("Audio.Channels = %d, want 1", cfg.Audio.Channels)
	}
	if cfg.Dispatch.MaxTransientRetries != 3 {
		t.Errorf("Dispatch.MaxTransientRetries = %d, want 3", cfg.Dispatch.MaxTransientRetries)
	}
	if cfg.Inject.Method != "type" {
		t.Errorf("Inject.Method = %q, want %q", cfg.Inject.Method, "type")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
audio:
  sample_rate: 44100
  channels: 2
  device_id: usb-mic
transcribe:
  engine: exec
  language: de
  temperature: 0.3
  load_timeout: 5s
  exec:
    command: whisper-cli --threads 4
dispatch:
  base_delay: 50ms
  max_delay: 1s
  budget: 30s
  retain_failures: 2
hotkey:
  keys: ["alt", "d"]
  mode: toggle
inject:
  method: paste
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Audio.SampleRate != 44100 || cfg.Audio.Channels != 2 || cfg.Audio.DeviceID != "usb-mic" {
		t.Errorf("Audio = %+v", cfg.Audio)
	}
	if cfg.Transcribe.Engine != "exec" || cfg.Transcribe.Exec.Command != "whisper-cli --threads 4" {
		t.Errorf("Transcribe = %+v", cfg.Transcribe)
	}
	if cfg.Transcribe.LoadTimeout != 5*time.Second {
		t.Errorf("Transcribe.LoadTimeout = %v, want 5s", cfg.Transcribe.LoadTimeout)
	}
	if cfg.Dispatch.BaseDelay != 50*time.Millisecond || cfg.Dispatch.Budget != 30*time.Second {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.MaxTransientRetries != 3 {
		t.Errorf("unset Dispatch.MaxTransientRetries = %d, want default 3", cfg.Dispatch.MaxTransientRetries)
	}
	if cfg.Hotkey.Mode != "toggle" {
		t.Errorf("Hotkey.Mode = %q, want %q", cfg.Hotkey.Mode, "toggle")
	}
	if len(cfg.Hotkey.Keys) != 2 || cfg.Hotkey.Keys[0] != "alt" || cfg.Hotkey.Keys[1] != "d" {
		t.Errorf("Hotkey.Keys = %v, want [alt d]", cfg.Hotkey.Keys)
	}
	if cfg.Inject.Method != "paste" {
		t.Errorf("Inject.Method = %q, want %q", cfg.Inject.Method, "paste")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
transcribe:
  model_path: ~/models/whisper.bin
  models_dir: ~/models
storage:
  dir: ~/recordings
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := filepath.Join(home, "models/whisper.bin"); cfg.Transcribe.ModelPath != want {
		t.Errorf("Transcribe.ModelPath = %q, want %q", cfg.Transcribe.ModelPath, want)
	}
	if want := filepath.Join(home, "models"); cfg.Transcribe.ModelsDir != want {
		t.Errorf("Transcribe.ModelsDir = %q, want %q", cfg.Transcribe.ModelsDir, want)
	}
	if want := filepath.Join(home, "recordings"); cfg.Storage.Dir != want {
		t.Errorf("Storage.Dir = %q, want %q", cfg.Storage.Dir, want)
	}
}

func TestLoadBackwardCompatModelPath(t *testing.T) {
	// Old-style config with top-level model_path should map to Transcribe.ModelPath
	yamlContent := `
model_path: /custom/whisper.bin
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transcribe.ModelPath != "/custom/whisper.bin" {
		t.Errorf("Transcribe.ModelPath = %q, want %q", cfg.Transcribe.ModelPath, "/custom/whisper.bin")
	}
	if cfg.ModelFile() != "/custom/whisper.bin" {
		t.Errorf("ModelFile() = %q, want %q", cfg.ModelFile(), "/custom/whisper.bin")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("dispatch:\n  budget: [not a duration\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"invalid hotkey mode", func(c *Config) { c.Hotkey.Mode = "invalid" }, true},
		{"invalid inject method", func(c *Config) { c.Inject.Method = "invalid" }, true},
		{"empty hotkey keys", func(c *Config) { c.Hotkey.Keys = nil }, true},
		{"zero sample rate", func(c *Config) { c.Audio.SampleRate = 0 }, true},
		{"zero channels", func(c *Config) { c.Audio.Channels = 0 }, true},
		{"invalid log level", func(c *Config) { c.LogLevel = "invalid" }, true},
		{"unknown engine", func(c *Config) { c.Transcribe.Engine = "parakeet" }, true},
		{"unknown model size", func(c *Config) { c.Transcribe.ModelSize = "gigantic" }, true},
		{"explicit model path skips size", func(c *Config) {
			c.Transcribe.ModelSize = ""
			c.Transcribe.ModelPath = "/m.bin"
		}, false},
		{"exec without command", func(c *Config) { c.Transcribe.Engine = "exec" }, true},
		{"exec with command", func(c *Config) {
			c.Transcribe.Engine = "exec"
			c.Transcribe.Exec.Command = "whisper-cli"
		}, false},
		{"negative temperature", func(c *Config) { c.Transcribe.Temperature = -0.1 }, true},
		{"temperature above one", func(c *Config) { c.Transcribe.Temperature = 1.5 }, true},
		{"zero load timeout", func(c *Config) { c.Transcribe.LoadTimeout = 0 }, true},
		{"max delay below base", func(c *Config) { c.Dispatch.MaxDelay = c.Dispatch.BaseDelay / 2 }, true},
		{"negative retries", func(c *Config) { c.Dispatch.MaxTransientRetries = -1 }, true},
		{"zero budget", func(c *Config) { c.Dispatch.Budget = 0 }, true},
		{"negative retention", func(c *Config) { c.Dispatch.RetainFailures = -1 }, true},
		{"empty storage dir", func(c *Config) { c.Storage.Dir = "" }, true},
		{"zero phase timeout", func(c *Config) { c.Cleanup.PhaseTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	cfg := Default()
	cfg.Audio.DeviceID = "usb"
	cfg.Transcribe.ModelsDir = "/models"
	cfg.Transcribe.ModelSize = "small"
	cfg.Transcribe.Language = "fr"
	cfg.Transcribe.Temperature = 0.2

	snap := cfg.Snapshot()
	if snap.DeviceID != "usb" {
		t.Errorf("DeviceID = %q", snap.DeviceID)
	}
	want := transcribe.Options{
		Kind:        transcribe.KindWhisper,
		ModelSize:   "small",
		ModelPath:   filepath.Join("/models", "ggml-small.bin"),
		Language:    "fr",
		Temperature: 0.2,
	}
	if snap.Engine != want {
		t.Errorf("Engine = %+v, want %+v", snap.Engine, want)
	}
}

func TestSnapshotExecEngine(t *testing.T) {
	cfg := Default()
	cfg.Transcribe.Engine = "exec"
	cfg.Transcribe.Exec.Command = "stt --json"

	snap := cfg.Snapshot()
	if snap.Engine.Command != "stt --json" {
		t.Errorf("Command = %q", snap.Engine.Command)
	}
	if snap.Engine.ModelPath != "" {
		t.Errorf("ModelPath = %q, want empty without model_path", snap.Engine.ModelPath)
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "gostt-dictate", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# gostt-dictate") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Hotkey.Mode != "hold" {
		t.Errorf("written config Hotkey.Mode = %q, want %q", cfg.Hotkey.Mode, "hold")
	}
	if cfg.Dispatch.Budget != 2*time.Minute {
		t.Errorf("written config Dispatch.Budget = %v, want 2m", cfg.Dispatch.Budget)
	}

	// The written file loads back into a valid config.
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load(written) error = %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "gostt-dictate")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("model_path: /custom/model.bin\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
