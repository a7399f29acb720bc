// Casia is a voice-first smart-home assistant core.
//
// It identifies the speaker, reasons over a local LLM, drives smart
// devices over MQTT, replies through a TTS backend, and learns
// recurring behavior as suggested routines. Configuration is loaded
// from a single JSON file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	casia serve              Start the API server
//	casia init [dir]         Initialize a working directory with defaults
//	casia version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jmfontan/casia/internal/api"
	"github.com/jmfontan/casia/internal/auth"
	"github.com/jmfontan/casia/internal/buildinfo"
	"github.com/jmfontan/casia/internal/config"
	"github.com/jmfontan/casia/internal/devctx"
	"github.com/jmfontan/casia/internal/iot"
	"github.com/jmfontan/casia/internal/llm"
	"github.com/jmfontan/casia/internal/markers"
	"github.com/jmfontan/casia/internal/music"
	"github.com/jmfontan/casia/internal/nlp"
	"github.com/jmfontan/casia/internal/patterns"
	"github.com/jmfontan/casia/internal/prompt"
	"github.com/jmfontan/casia/internal/registry"
	"github.com/jmfontan/casia/internal/routines"
	"github.com/jmfontan/casia/internal/store"
	"github.com/jmfontan/casia/internal/tts"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests; our argument surface is small enough that
// manual parsing is clearer.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			}
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe wires every subsystem and blocks until the context is
// cancelled or the server fails.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfgStore, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg := cfgStore.Active()

	logger := config.NewLogger(stdout, cfg)
	slog.SetDefault(logger)
	logger.Info("config loaded", "path", path, "assistant", cfg.AssistantName)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	sqlDB, err := store.Open(filepath.Join(cfg.DataDir, "casia.db"))
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	db, err := store.New(sqlDB)
	if err != nil {
		return err
	}
	reg, err := registry.New(sqlDB, registry.DefaultTTL)
	if err != nil {
		return err
	}
	routineStore, err := routines.NewStore(sqlDB, reg)
	if err != nil {
		return err
	}
	eventStore, err := patterns.NewEventStore(sqlDB)
	if err != nil {
		return err
	}

	tmpl, err := loadTemplate(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads the config file. The listen address stays as it
	// was at startup; everything read through Active picks up the new
	// values.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := cfgStore.Reload(); err != nil {
					logger.Error("config reload failed", "path", cfgStore.Path(), "error", err)
					continue
				}
				logger.Info("configuration reloaded", "path", cfgStore.Path())
			}
		}
	}()

	// MQTT bus. A broker outage does not block startup; the bus
	// reconnects in the background.
	bus := iot.NewBus(cfg.MQTT, db, logger)
	if cfg.Modules.IoT {
		if err := bus.Start(ctx); err != nil {
			logger.Warn("mqtt bus start failed, continuing without broker", "error", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := bus.Stop(stopCtx); err != nil {
				logger.Warn("mqtt bus stop failed", "error", err)
			}
		}()
	}

	go reg.StartSweeper(ctx)

	iotExec := iot.NewExecutor(reg, bus, db, cfg.PublishTimeout(), logger)
	tracker := devctx.New(devctx.DefaultTTL)
	minter := auth.NewMinter(cfg.JWTSecret, auth.DefaultTTL)

	var speaker routines.Speaker
	if cfg.Modules.TTS && cfg.TTSURL != "" {
		speaker = tts.New(cfg.TTSURL, cfg.TTSTimeout(), nil, logger)
	}

	var musicHandler *music.Handler
	if cfg.Modules.Music {
		// Playback is an external backend; without one configured the
		// handler degrades to polite refusals.
		musicHandler = music.NewHandler(nil, db, logger)
	}

	selfURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Listen.Port)
	sender := iot.NewCommandClient(selfURL)
	runner := routines.NewExecutor(routineStore, db, sender, speaker, minter, logger)
	creator := routines.NewCreator(routineStore, reg, func() *time.Location { return cfgStore.Active().Location() }, logger)
	analyzer := patterns.NewAnalyzer(eventStore, routineStore, logger)

	processor := markers.New(db, reg, iotExec, musicHandler, routineStore, runner, logger)

	orch := nlp.New(nlp.Deps{
		Config:    cfgStore,
		DB:        db,
		Registry:  reg,
		Assembler: prompt.NewAssembler(tmpl, logger),
		Tracker:   tracker,
		LLM:       llm.NewOllamaClient(cfg.OllamaURL),
		Processor: processor,
		Creator:   creator,
		Routines:  routineStore,
		Events:    eventStore,
		IoTExec:   iotExec,
		Speaker:   speaker,
		Logger:    logger,
	})

	var scheduler *routines.Scheduler
	if cfg.Modules.Routines {
		scheduler = routines.NewScheduler(routineStore, runner, func() *time.Location { return cfgStore.Active().Location() }, logger)
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	server := api.NewServer(api.Deps{
		Config:   cfgStore,
		DB:       db,
		Registry: reg,
		Orch:     orch,
		Routines: routineStore,
		Runner:   runner,
		Analyzer: analyzer,
		IoTExec:  iotExec,
		Minter:   minter,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func loadTemplate(cfg *config.Config, logger *slog.Logger) (*prompt.Template, error) {
	if cfg.PromptFile == "" {
		return prompt.DefaultTemplate(), nil
	}
	tmpl, err := prompt.LoadTemplate(cfg.PromptFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("prompt file missing, using built-in template", "path", cfg.PromptFile)
			return prompt.DefaultTemplate(), nil
		}
		return nil, err
	}
	return tmpl, nil
}

// runInit writes a default config into dir.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "config.json")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	doc, err := json.MarshalIndent(config.Default(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(doc, '\n'), 0o600); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}

func runVersion(w io.Writer) error {
	fmt.Fprintln(w, buildinfo.String())
	for k, v := range buildinfo.Info() {
		fmt.Fprintf(w, "  %-12s %v\n", k+":", v)
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Casia - Voice-first smart-home assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: casia [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server (default)")
	fmt.Fprintln(w, "  init [dir]   Initialize a working directory with defaults")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	return nil
}
