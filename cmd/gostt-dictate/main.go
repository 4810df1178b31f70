package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/gostt-dictate/internal/audio"
	"github.com/chaz8081/gostt-dictate/internal/cleanup"
	"github.com/chaz8081/gostt-dictate/internal/config"
	"github.com/chaz8081/gostt-dictate/internal/controller"
	"github.com/chaz8081/gostt-dictate/internal/dispatch"
	"github.com/chaz8081/gostt-dictate/internal/hotkey"
	"github.com/chaz8081/gostt-dictate/internal/inject"
	"github.com/chaz8081/gostt-dictate/internal/model"
	"github.com/chaz8081/gostt-dictate/internal/models"
	"github.com/chaz8081/gostt-dictate/internal/recording"
	"github.com/chaz8081/gostt-dictate/internal/transcribe"
)

// staleRecordingAge is how old a leftover recording must be before the
// startup sweep removes it.
const staleRecordingAge = 24 * time.Hour

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gostt-dictate/config.yaml)")
	download := flag.Bool("download", false, "download the configured whisper model and exit")
	initConfig := flag.Bool("init-config", false, "write a default config file and exit")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fatal("init config", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Config written to", path)
		return
	}

	path, cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation", err)
	}

	var level slog.LevelVar
	level.Set(config.ParseLogLevel(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	if *download {
		if err := downloadModel(cfg); err != nil {
			fatal("download", err)
		}
		return
	}

	backend, err := audio.NewMalgoBackend()
	if err != nil {
		fatal("audio backend", err)
	}
	registry := audio.NewRegistry(backend, logger)

	if *listDevices {
		printDevices(registry)
		_ = backend.Close()
		return
	}

	printBanner(cfg)

	if err := run(path, cfg, backend, registry, &level, logger); err != nil {
		os.Exit(1)
	}
}

func run(path string, cfg *config.Config, backend audio.Backend, registry *audio.Registry, level *slog.LevelVar, logger *slog.Logger) error {
	store := config.NewStore(cfg)

	svc := audio.NewService(backend, registry, audio.Options{
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		LevelBuffer: cfg.Audio.LevelBuffer,
		Logger:      logger,
	})

	sandbox, err := recording.NewSandbox(cfg.Storage.Dir)
	if err != nil {
		logger.Error("recording sandbox", "dir", cfg.Storage.Dir, "error", err)
		_ = svc.Close()
		return err
	}
	if n, err := sandbox.Sweep(staleRecordingAge); err != nil {
		logger.Warn("sweeping stale recordings", "error", err)
	} else if n > 0 {
		logger.Info("removed stale recordings", "count", n)
	}
	recorder := recording.NewRecorder(svc, sandbox, recording.Options{
		MinViableBytes: cfg.Audio.MinViableBytes,
		Logger:         logger,
	})

	loader := model.NewLoader(transcribe.New, model.Options{
		LoadTimeout: cfg.Transcribe.LoadTimeout,
		Logger:      logger,
	})

	retention, err := dispatch.NewRetention(sandbox, cfg.Dispatch.RetainFailures, logger)
	if err != nil {
		logger.Warn("failure retention disabled", "error", err)
	}
	dispOpts := dispatch.Options{
		BaseDelay:           cfg.Dispatch.BaseDelay,
		MaxDelay:            cfg.Dispatch.MaxDelay,
		MaxTransientRetries: cfg.Dispatch.MaxTransientRetries,
		Budget:              cfg.Dispatch.Budget,
		Probe: dispatch.HostProbe{
			MinFreeMemory: cfg.Dispatch.MinFreeMemoryMB << 20,
			MinFreeDisk:   cfg.Dispatch.MinFreeDiskMB << 20,
		},
		Logger: logger,
	}
	if retention != nil {
		dispOpts.Retention = retention
	}
	disp := dispatch.New(loader, sandbox, dispOpts)

	method, err := inject.ParseMethod(cfg.Inject.Method)
	if err != nil {
		logger.Error("inject", "error", err)
		_ = svc.Close()
		return err
	}
	ctl := controller.New(registry, recorder, loader, disp, controller.Options{
		LevelBuffer: cfg.Audio.LevelBuffer,
		Settings:    store.Snapshot,
		Sink:        inject.NewInjector(method),
		Logger:      logger,
	})

	mode, err := hotkey.ParseMode(cfg.Hotkey.Mode)
	if err != nil {
		logger.Error("hotkey", "error", err)
		_ = svc.Close()
		return err
	}
	listener := hotkey.NewListener(cfg.Hotkey.Keys, mode)

	coord := registerCleanup(cfg, ctl, svc, loader, sandbox, listener, logger)

	// Signal handling for graceful shutdown and config reload
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go listener.Start()
	go logResults(ctl, logger)

	logger.Info("ready", "hotkey", strings.Join(cfg.Hotkey.Keys, "+"), "mode", mode)

	commands := listener.Commands()
	for {
		select {
		case cmd, ok := <-commands:
			if !ok {
				logger.Info("hotkey listener stopped")
				return shutdown(coord, logger)
			}
			switch cmd {
			case hotkey.CommandStart:
				if err := ctl.Start(); err != nil {
					logger.Error("failed to start recording", "error", err)
				}
			case hotkey.CommandStop:
				ctl.Stop()
			}

		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloadConfig(path, store, loader, level, logger)
				continue
			}
			logger.Info("shutting down", "signal", sig)
			err := shutdown(coord, logger)
			// Exit directly to avoid gohook's C cleanup crash.
			// The OS reclaims the event hook on process exit.
			if err != nil {
				os.Exit(1)
			}
			os.Exit(0)
		}
	}
}

// registerCleanup lays out the shutdown sequence: UI streams first, then
// capture, model, files and finally OS handles.
func registerCleanup(cfg *config.Config, ctl *controller.Controller, svc *audio.Service, loader *model.Loader, sandbox *recording.Sandbox, listener *hotkey.Listener, logger *slog.Logger) *cleanup.Coordinator {
	coord := cleanup.New(cleanup.Options{PhaseTimeout: cfg.Cleanup.PhaseTimeout, Logger: logger})

	must := func(err error) {
		if err != nil {
			logger.Error("registering cleanup phase", "error", err)
		}
	}
	must(coord.Register(cleanup.StageUI, "detach-ui", func(context.Context) error {
		ctl.Detach()
		return nil
	}, nil))
	must(coord.Register(cleanup.StageCapture, "stop-capture", func(context.Context) error {
		svc.StopAll()
		return nil
	}, func() error {
		if svc.Active() != nil {
			return errors.New("capture session still active")
		}
		return nil
	}))
	must(coord.Register(cleanup.StageModel, "drain-processing", ctl.Close, nil))
	must(coord.Register(cleanup.StageModel, "release-model", loader.Close, func() error {
		if s := loader.State(); s != model.StateUnloaded {
			return fmt.Errorf("model still %s", s)
		}
		return nil
	}))
	must(coord.Register(cleanup.StageFiles, "remove-recordings", func(context.Context) error {
		_, err := sandbox.Sweep(0)
		return err
	}, nil))
	must(coord.Register(cleanup.StageHandles, "stop-hotkey", func(context.Context) error {
		listener.Stop()
		return nil
	}, nil))
	must(coord.Register(cleanup.StageHandles, "close-audio", func(context.Context) error {
		return svc.Close()
	}, nil))
	return coord
}

func shutdown(coord *cleanup.Coordinator, logger *slog.Logger) error {
	report := coord.Shutdown(context.Background())
	if err := report.Err(); err != nil {
		logger.Error("shutdown degraded", "error", err)
		return err
	}
	logger.Info("goodbye")
	return nil
}

// logResults consumes the result stream so processing never blocks on it.
func logResults(ctl *controller.Controller, logger *slog.Logger) {
	for res := range ctl.Results() {
		if res.Err != nil {
			logger.Error("dictation failed", "kind", res.Kind, "error", res.Err, "attempts", len(res.Attempts))
			if errors.Is(res.Err, transcribe.ErrHostIncompatible) {
				logger.Error("the configured engine cannot run on this host; choose another transcribe.engine")
			}
			continue
		}
		if err := res.Ack(); err != nil {
			logger.Warn("removing recording", "error", err)
		}
		if res.Silent {
			logger.Info("no speech detected", "duration", res.Recording.Duration)
			continue
		}
		logger.Info("transcribed", "text", res.Text, "duration", res.Recording.Duration)
	}
}

// reloadConfig re-reads the config file and swaps the engine when its
// settings changed. Audio format and storage changes need a restart.
func reloadConfig(path string, store *config.Store, loader *model.Loader, level *slog.LevelVar, logger *slog.Logger) {
	if path == "" {
		logger.Info("no config file to reload")
		return
	}
	next, err := config.Load(path)
	if err != nil {
		logger.Error("reloading config", "error", err)
		return
	}
	changed, err := store.Update(func(c *config.Config) {
		c.Audio.DeviceID = next.Audio.DeviceID
		c.Transcribe = next.Transcribe
		c.LogLevel = next.LogLevel
	})
	if err != nil {
		logger.Error("reloading config", "error", err)
		return
	}
	level.Set(config.ParseLogLevel(next.LogLevel))
	if changed {
		target := store.Snapshot().Engine
		logger.Info("engine settings changed, reloading model", "engine", target)
		loader.Reconfigure(target)
	}
	logger.Info("config reloaded", "path", path)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. It returns the path
// actually read, empty for defaults.
func loadConfig(path string) (string, *config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return path, cfg, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return "", nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return defaultPath, cfg, nil
	}

	return "", config.Default(), nil
}

func downloadModel(cfg *config.Config) error {
	if transcribe.Kind(cfg.Transcribe.Engine) != transcribe.KindWhisper {
		return fmt.Errorf("engine %q has no model to download", cfg.Transcribe.Engine)
	}
	if cfg.Transcribe.ModelPath != "" {
		return fmt.Errorf("model_path is set explicitly (%s); nothing to download", cfg.Transcribe.ModelPath)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	path, err := models.EnsureWhisper(ctx, cfg.Transcribe.ModelsDir, cfg.Transcribe.ModelSize, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Println("Model ready:", path)
	return nil
}

func printDevices(registry *audio.Registry) {
	devices, diag := registry.List()
	if len(devices) == 0 {
		fmt.Printf("No capture devices found (%s)\n", diag)
		return
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s %-40s id=%s\n", marker, d.DisplayName, d.ID)
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	engine := cfg.Transcribe.Engine
	if transcribe.Kind(engine) == transcribe.KindWhisper {
		engine += " (" + cfg.ModelFile() + ")"
	} else {
		engine += " (" + cfg.Transcribe.Exec.Command + ")"
	}
	fmt.Println("=== gostt-dictate ===")
	fmt.Printf("  Engine:  %s\n", engine)
	fmt.Printf("  Hotkey:  %s (%s mode)\n", strings.Join(cfg.Hotkey.Keys, "+"), cfg.Hotkey.Mode)
	fmt.Printf("  Audio:   %dHz, %dch\n", cfg.Audio.SampleRate, cfg.Audio.Channels)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Dir)
	fmt.Printf("  Inject:  %s\n", cfg.Inject.Method)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("=====================")
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
