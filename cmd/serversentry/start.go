package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/azzuwayed/serversentry/internal/anomaly"
	"github.com/azzuwayed/serversentry/internal/bus"
	"github.com/azzuwayed/serversentry/internal/config"
	"github.com/azzuwayed/serversentry/internal/notify"
	"github.com/azzuwayed/serversentry/internal/rule"
	"github.com/azzuwayed/serversentry/internal/sampler"
	"github.com/azzuwayed/serversentry/internal/scheduler"
	"github.com/azzuwayed/serversentry/internal/store"
	"github.com/azzuwayed/serversentry/internal/telemetry"
	"github.com/azzuwayed/serversentry/internal/threshold"
)

// runStart wires the subsystems together and blocks until a
// termination signal arrives and the shutdown sequence finishes.
// There is no self-forking: daemon mode is a PID file plus file
// logging, with process supervision left to systemd or similar.
func runStart(cfg *config.Config, cfgPath string, foreground bool, logFile string) error {
	if !cfg.System.Enabled {
		return errors.New("system.enabled is false, nothing to do")
	}

	logger, err := buildLogger(cfg, foreground, logFile)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	if !foreground {
		path := pidFilePath(cfg)
		if err := writePIDFile(path); err != nil {
			return err
		}
		defer os.Remove(path)
	}

	st, err := store.New(cfg.StoreOptions(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	eng, err := anomaly.New(st, logger, anomaly.Options{ResultsDir: resultsDir(cfg)})
	if err != nil {
		return fmt.Errorf("anomaly engine: %w", err)
	}
	channels, err := cfg.ChannelSpecs()
	if err != nil {
		return fmt.Errorf("notification channels: %w", err)
	}
	disp := notify.New(cfg.NotifyOptions(), channels, logger)
	b := bus.New(0, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("signal received, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	var tel *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		tel = telemetry.New(telemetry.Sources{
			Notify: disp.Stats,
			Bus:    b.Stats,
			Store:  st,
		}, logger)
		go func() {
			if err := tel.Serve(ctx, cfg.Telemetry.ListenAddress); err != nil {
				logger.Error("telemetry listener failed", zap.Error(err))
			}
		}()
	}

	sched := scheduler.New(scheduler.Options{
		Samplers:   sampler.Defaults(),
		Store:      st,
		Thresholds: threshold.New(),
		Anomalies:  eng,
		Rules:      rule.NewEvaluator(st, logger),
		Bus:        b,
		Dispatcher: disp,
		Telemetry:  tel,
	}, logger)

	// Watch handles SIGHUP and file changes itself; new snapshots are
	// handed to the scheduler, which diffs workers against them.
	go func() {
		if err := config.Watch(ctx, cfgPath, logger, sched.Apply); err != nil {
			logger.Warn("config watch stopped", zap.Error(err))
		}
	}()

	logger.Info("serversentry starting",
		zap.String("version", version),
		zap.Int("plugins", len(cfg.PluginSpecs())))
	sched.Run(ctx, cfg)
	return nil
}

// buildLogger returns a production logger at the configured level.
// Foreground runs log to stderr only; daemon runs also append to a
// file under the data directory.
func buildLogger(cfg *config.Config, foreground bool, logFile string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(parseLogLevel(cfg.System.LogLevel))
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stderr"}

	if !foreground && logFile == "" {
		logFile = filepath.Join(cfg.Storage.DataDirectory, "serversentry.log")
	}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, err
		}
		zc.OutputPaths = append(zc.OutputPaths, logFile)
	}
	return zc.Build()
}

// parseLogLevel maps the configured level to a zap level, accepting
// "warning" as an alias and falling back to info.
func parseLogLevel(s string) zapcore.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.Storage.DataDirectory, "serversentry.pid")
}

// writePIDFile records the current process. It refuses to start over
// a live agent and silently replaces a stale file left by an unclean
// shutdown.
func writePIDFile(path string) error {
	if pid, running := readPIDFile(path); running {
		return fmt.Errorf("already running with pid %d (remove %s if that is wrong)", pid, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// readPIDFile returns the recorded PID and whether that process is
// alive. Signal 0 probes existence; EPERM still means alive, just
// owned by someone else.
func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	err = unix.Kill(pid, 0)
	return pid, err == nil || errors.Is(err, unix.EPERM)
}

// resultsDir is where the anomaly engine writes per-series result
// logs, alongside the raw series data.
func resultsDir(cfg *config.Config) string {
	if cfg.Storage.DataDirectory == "" {
		return ""
	}
	return filepath.Join(cfg.Storage.DataDirectory, "results")
}
