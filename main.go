// Package main runs the audio activity monitor: it polls the audio devices of
// the machine, debounces unreliable Bluetooth endpoints and reports activity
// changes over HTTP, WebSocket and notifications.
//
// Usage:
//
//	audiowatch [-config path/to/config.json] [-debug]
//
// If -config is not specified, the monitor looks for config.json in the same
// directory as the binary.
package main

import (
	"cmp"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/oszuidwest/zwfm-audiowatch/internal/activity"
	"github.com/oszuidwest/zwfm-audiowatch/internal/archive"
	"github.com/oszuidwest/zwfm-audiowatch/internal/config"
	"github.com/oszuidwest/zwfm-audiowatch/internal/eventlog"
	"github.com/oszuidwest/zwfm-audiowatch/internal/notify"
	"github.com/oszuidwest/zwfm-audiowatch/internal/platform"
	"github.com/oszuidwest/zwfm-audiowatch/internal/types"
	"github.com/oszuidwest/zwfm-audiowatch/internal/util"
	"github.com/oszuidwest/zwfm-audiowatch/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}
	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	pwDump := snap.PwDumpPath
	if runtime.GOOS == "linux" {
		pwDump = util.ResolveBinary(snap.PwDumpPath, "pw-dump")
		if pwDump == "" {
			slog.Warn("pw-dump not found - device enumeration will fail",
				"configured_path", snap.PwDumpPath)
		} else {
			slog.Info("pw-dump found", "path", pwDump)
		}
	}
	source := platform.New(platform.Options{PwDumpPath: pwDump})

	processes := platform.Processes{}
	monitor, err := activity.NewMonitor(source, activity.Options{
		Tuning:         snap.Tuning,
		Processes:      processes,
		ClassCacheSize: snap.ClassCacheSize,
	})
	if err != nil {
		slog.Error("failed to create monitor", "error", err)
		os.Exit(1)
	}

	logPath := cmp.Or(snap.EventLogPath, eventlog.DefaultLogPath(snap.WebPort))
	if err := util.CheckPathWritable(filepath.Dir(logPath)); err != nil {
		slog.Error("event log directory is not writable", "path", filepath.Dir(logPath), "error", err)
		os.Exit(1)
	}
	eventLog, err := eventlog.NewLogger(logPath)
	if err != nil {
		slog.Error("failed to open event log", "path", logPath, "error", err)
		os.Exit(1)
	}
	slog.Info("event log opened", "path", logPath)

	notifier := notify.NewTransitionNotifier(cfg)

	w := watcher.New(monitor, watcher.Options{
		Flows:    snap.Flows,
		Interval: snap.PollInterval,
		EventLog: eventLog,
		Notifier: notifier,
	})
	w.Start()

	var archiver *archive.Archiver
	if snap.HasArchive() {
		archiver = archive.New(archiveConfig(snap), snap.ArchiveInterval, eventLog)
		archiver.Start()
	}

	version := NewVersionChecker()
	version.Start()

	srv := NewServer(cfg, monitor, w, processes, logPath, version)
	httpServer := srv.Start()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-sigCtx.Done()
	stop()

	slog.Info("shutting down")

	var result *multierror.Error

	version.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, util.WrapError("shut down HTTP server", err))
	}

	w.Stop()
	waitNotifications(notifier)

	if archiver != nil {
		if err := archiver.Stop(); err != nil {
			result = multierror.Append(result, util.WrapError("stop archiver", err))
		}
	}
	if err := eventLog.Close(); err != nil {
		result = multierror.Append(result, util.WrapError("close event log", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		slog.Error("shutdown completed with errors", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// archiveConfig returns the S3 settings of a configuration snapshot.
func archiveConfig(snap config.Snapshot) archive.S3Config {
	if !snap.HasArchive() {
		return archive.S3Config{}
	}
	return archive.S3Config{
		Endpoint:        snap.ArchiveEndpoint,
		Bucket:          snap.ArchiveBucket,
		Prefix:          snap.ArchivePrefix,
		AccessKeyID:     snap.ArchiveAccessKey,
		SecretAccessKey: snap.ArchiveSecretKey,
	}
}

// waitNotifications waits for in-flight notifications, at most types.ShutdownTimeout.
func waitNotifications(n *notify.TransitionNotifier) {
	done := make(chan struct{})
	go func() {
		n.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(types.ShutdownTimeout):
		slog.Warn("notifications still in flight at shutdown")
	}
}
