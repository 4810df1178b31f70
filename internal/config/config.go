// Package config loads the YAML configuration and hands out read-only
// settings snapshots.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gostt-dictate/internal/models"
	"github.com/chaz8081/gostt-dictate/internal/transcribe"
)

// Config holds all application configuration.
type Config struct {
	// ModelPath is the legacy top-level model path. Load moves it into
	// Transcribe.ModelPath.
	ModelPath  string           `yaml:"model_path,omitempty"`
	Audio      AudioConfig      `yaml:"audio"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Storage    StorageConfig    `yaml:"storage"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	Hotkey     HotkeyConfig     `yaml:"hotkey"`
	Inject     InjectConfig     `yaml:"inject"`
	LogLevel   string           `yaml:"log_level"`
}

// AudioConfig holds audio capture settings.
type AudioConfig struct {
	SampleRate uint32 `yaml:"sample_rate"`
	Channels   uint32 `yaml:"channels"`
	// DeviceID selects the input device; empty means the system default.
	DeviceID    string `yaml:"device_id"`
	LevelBuffer int    `yaml:"level_buffer"`
	// MinViableBytes below which a recording is treated as silent; 0 means 300ms.
	MinViableBytes int `yaml:"min_viable_bytes"`
}

// TranscribeConfig selects and configures the speech-to-text engine.
type TranscribeConfig struct {
	Engine      string        `yaml:"engine"` // "whisper" or "exec"
	ModelSize   string        `yaml:"model_size"`
	ModelPath   string        `yaml:"model_path"` // overrides models_dir + model_size
	ModelsDir   string        `yaml:"models_dir"`
	Language    string        `yaml:"language"`
	Temperature float32       `yaml:"temperature"`
	Threads     uint          `yaml:"threads"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
	Exec        ExecConfig    `yaml:"exec"`
}

// ExecConfig configures the external recognizer engine.
type ExecConfig struct {
	Command string `yaml:"command"`
}

// DispatchConfig holds the transcription retry policy.
type DispatchConfig struct {
	BaseDelay           time.Duration `yaml:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	MaxTransientRetries int           `yaml:"max_transient_retries"`
	Budget              time.Duration `yaml:"budget"`
	RetainFailures      int           `yaml:"retain_failures"`
	MinFreeMemoryMB     uint64        `yaml:"min_free_memory_mb"`
	MinFreeDiskMB       uint64        `yaml:"min_free_disk_mb"`
}

// StorageConfig holds where recordings are written.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// CleanupConfig holds shutdown settings.
type CleanupConfig struct {
	PhaseTimeout time.Duration `yaml:"phase_timeout"`
}

// HotkeyConfig holds hotkey-related settings.
type HotkeyConfig struct {
	Keys []string `yaml:"keys"`
	Mode string   `yaml:"mode"` // "hold" or "toggle"
}

// InjectConfig holds text injection settings.
type InjectConfig struct {
	Method string `yaml:"method"` // "type" or "paste"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gostt-dictate")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the directory for downloaded models and other
// persistent data.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "gostt-dictate")
}

// DefaultModelsDir returns the default directory for model files.
func DefaultModelsDir() string {
	return filepath.Join(DefaultDataDir(), "models")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			SampleRate:  16000,
			Channels:    1,
			LevelBuffer: 32,
		},
		Transcribe: TranscribeConfig{
			Engine:      string(transcribe.KindWhisper),
			ModelSize:   "base.en",
			ModelsDir:   DefaultModelsDir(),
			Language:    "auto",
			LoadTimeout: 60 * time.Second,
		},
		Dispatch: DispatchConfig{
			BaseDelay:           200 * time.Millisecond,
			MaxDelay:            2 * time.Second,
			MaxTransientRetries: 3,
			Budget:              2 * time.Minute,
			RetainFailures:      10,
			MinFreeMemoryMB:     256,
			MinFreeDiskMB:       64,
		},
		Storage: StorageConfig{
			Dir: filepath.Join(os.TempDir(), "gostt-dictate"),
		},
		Cleanup: CleanupConfig{
			PhaseTimeout: 3 * time.Second,
		},
		Hotkey: HotkeyConfig{
			Keys: []string{"ctrl", "shift", "r"},
			Mode: "hold",
		},
		Inject: InjectConfig{
			Method: "type",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.ModelPath != "" && cfg.Transcribe.ModelPath == "" {
		cfg.Transcribe.ModelPath = cfg.ModelPath
	}
	cfg.ModelPath = ""

	cfg.Transcribe.ModelPath = expandTilde(cfg.Transcribe.ModelPath)
	cfg.Transcribe.ModelsDir = expandTilde(cfg.Transcribe.ModelsDir)
	cfg.Storage.Dir = expandTilde(cfg.Storage.Dir)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# gostt-dictate configuration\n# engine: whisper (in-process) or exec (external command)\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels == 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}
	if c.Audio.MinViableBytes < 0 {
		return fmt.Errorf("audio.min_viable_bytes must be >= 0")
	}

	t := c.Transcribe
	switch transcribe.Kind(t.Engine) {
	case transcribe.KindWhisper:
		if t.ModelPath == "" {
			if t.ModelsDir == "" {
				return fmt.Errorf("transcribe.models_dir must not be empty when model_path is unset")
			}
			if !models.Known(t.ModelSize) {
				return fmt.Errorf("transcribe.model_size %q is not one of %s", t.ModelSize, strings.Join(models.KnownSizes(), ", "))
			}
		}
	case transcribe.KindExec:
		if strings.TrimSpace(t.Exec.Command) == "" {
			return fmt.Errorf("transcribe.exec.command must not be empty for the exec engine")
		}
	default:
		return fmt.Errorf("transcribe.engine must be \"whisper\" or \"exec\", got %q", t.Engine)
	}
	if t.Temperature < 0 || t.Temperature > 1 {
		return fmt.Errorf("transcribe.temperature must be within [0, 1], got %v", t.Temperature)
	}
	if t.LoadTimeout <= 0 {
		return fmt.Errorf("transcribe.load_timeout must be > 0")
	}

	d := c.Dispatch
	if d.BaseDelay <= 0 {
		return fmt.Errorf("dispatch.base_delay must be > 0")
	}
	if d.MaxDelay < d.BaseDelay {
		return fmt.Errorf("dispatch.max_delay must be >= base_delay")
	}
	if d.MaxTransientRetries < 0 {
		return fmt.Errorf("dispatch.max_transient_retries must be >= 0")
	}
	if d.Budget <= 0 {
		return fmt.Errorf("dispatch.budget must be > 0")
	}
	if d.RetainFailures < 0 {
		return fmt.Errorf("dispatch.retain_failures must be >= 0")
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir must not be empty")
	}
	if c.Cleanup.PhaseTimeout <= 0 {
		return fmt.Errorf("cleanup.phase_timeout must be > 0")
	}

	if len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}
	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	switch c.Inject.Method {
	case "type", "paste":
	default:
		return fmt.Errorf("inject.method must be \"type\" or \"paste\", got %q", c.Inject.Method)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ModelFile returns the whisper model path: model_path when set, otherwise
// the file for model_size inside models_dir.
func (c *Config) ModelFile() string {
	if c.Transcribe.ModelPath != "" {
		return c.Transcribe.ModelPath
	}
	return models.Resolve(c.Transcribe.ModelsDir, c.Transcribe.ModelSize)
}

// Snapshot is the read-only view of the settings a recording uses. It is
// taken when a recording starts; later changes do not affect it.
type Snapshot struct {
	DeviceID string
	Engine   transcribe.Options
}

// Snapshot returns the current settings snapshot.
func (c *Config) Snapshot() Snapshot {
	t := c.Transcribe
	opts := transcribe.Options{
		Kind:        transcribe.Kind(t.Engine),
		ModelSize:   t.ModelSize,
		ModelPath:   t.ModelPath,
		Language:    t.Language,
		Temperature: t.Temperature,
		Threads:     t.Threads,
	}
	switch opts.Kind {
	case transcribe.KindWhisper:
		opts.ModelPath = c.ModelFile()
	case transcribe.KindExec:
		// The external command only gets a model when one is named explicitly.
		opts.Command = t.Exec.Command
	}
	return Snapshot{DeviceID: c.Audio.DeviceID, Engine: opts}
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
