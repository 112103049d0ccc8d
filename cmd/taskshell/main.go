// Command taskshell is an interactive shell that queues natural-language
// tasks for an external code-generation executor, running them strictly
// one at a time while staying responsive to commands and clarification
// answers.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskshell/internal/bus"
	"github.com/basket/taskshell/internal/config"
	"github.com/basket/taskshell/internal/engine"
	"github.com/basket/taskshell/internal/executor"
	"github.com/basket/taskshell/internal/otel"
	"github.com/basket/taskshell/internal/persistence"
	"github.com/basket/taskshell/internal/shell"
	"github.com/basket/taskshell/internal/telemetry"
)

func main() {
	loadDotEnv(".env")

	var (
		flagModel     = flag.String("model", "", "executor model override")
		flagProject   = flag.String("project", "", "project path override")
		flagMultiLine = flag.Bool("multiline", false, "accumulate input until a blank line")
		flagLogLevel  = flag.String("log-level", "", "log level override (debug, info, warn, error)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *flagModel != "" {
		cfg.Model = *flagModel
	}
	if *flagProject != "" {
		cfg.ProjectPath = *flagProject
	}
	if *flagMultiLine {
		cfg.MultiLine = true
	}
	if *flagLogLevel != "" {
		cfg.LogLevel = *flagLogLevel
	}

	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())

	logger, logLevel, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("starting", "config_fingerprint", cfg.Fingerprint(), "interactive", interactive)

	if cfg.NeedsGenesis {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			logger.Warn("write default config failed", "error", err.Error())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := otel.Init(ctx, otel.Config{
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err.Error())
		}
	}()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "taskshell.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	runner := executor.NewCLIRunner(cfg.Executor.Command, cfg.Executor.Args, logger)
	runner.Timeout = time.Duration(cfg.Executor.TimeoutSeconds) * time.Second

	eventBus := bus.New()
	eng := engine.New(runner, engine.Config{
		ProjectPath: cfg.ProjectPath,
		Model:       cfg.Model,
		Store:       store,
		Bus:         eventBus,
		Logger:      logger,
		Tracer:      provider.Tracer,
		Metrics:     metrics,
	})
	if err := eng.Start(ctx); err != nil {
		fatalStartup(logger, "E_TASK_RECOVERY", err)
	}
	eng.Kick()
	logger.Info("session started", "session_id", eng.Session().ID, "project_path", cfg.ProjectPath)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err.Error())
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err.Error())
					continue
				}
				eng.SetModel(reloaded.Model)
				logLevel.Set(telemetry.ParseLevel(reloaded.LogLevel))
				logger.Info("config reloaded", "config_fingerprint", reloaded.Fingerprint())
			}
		}()
	}

	sh := shell.New(eng, eventBus, os.Stdout, logger, shell.Options{
		CommandPrefix: cfg.CommandPrefix,
		Interactive:   interactive,
		MultiLine:     cfg.MultiLine,
		PersistModel: func(model string) error {
			return config.SetModel(cfg.HomeDir, model)
		},
	})
	sh.Run(ctx, os.Stdin)

	// Shutdown: finish queued and running work, leave awaiting tasks
	// persisted, then reduce outcomes to the exit code.
	eng.Drain(time.Duration(cfg.DrainTimeoutSeconds) * time.Second)
	code := eng.ExitCode()
	logger.Info("shutdown", "exit_code", code)
	logCloser.Close()
	os.Exit(code)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"shell","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
