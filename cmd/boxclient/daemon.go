package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/getlantern/boxclient"
	"github.com/getlantern/boxclient/assets"
	"github.com/getlantern/boxclient/common/deviceid"
	"github.com/getlantern/boxclient/common/reporting"
	"github.com/getlantern/boxclient/common/settings"
	"github.com/getlantern/boxclient/engine"
	"github.com/getlantern/boxclient/internal"
	"github.com/getlantern/boxclient/ipc"
	"github.com/getlantern/boxclient/telemetry"
)

const shutdownTimeout = 15 * time.Second

type runCmd struct {
	Config string `arg:"--config,env:BOXCLIENT_CONFIG" help:"config file to load; remembered in the settings"`
	Start  bool   `arg:"--start" help:"start the proxy once the config is loaded"`
}

func runDaemon(dataPath, logLevel string, cmd *runCmd) (err error) {
	store, err := settings.Open(dataPath)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}

	if logLevel == "" {
		logLevel = store.GetString(settings.LogLevelKey)
	}
	level, err := internal.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logPath := store.GetString(settings.LogPathKey)
	logFile, err := internal.NewRotatingWriter(logPath, 0)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	var w io.Writer = logFile
	if term.IsTerminal(int(os.Stdout.Fd())) {
		w = io.MultiWriter(os.Stdout, logFile)
	}
	logger := internal.NewLogger(w, level)
	slog.SetDefault(logger)

	reporting.Init(store.GetString(settings.SentryDSNKey), boxclient.Version)
	defer reporting.Flush()
	defer reporting.Recover()

	sb := &engine.SingBox{
		AssetDir:  store.GetString(settings.AssetDirKey),
		LogOutput: filepath.Join(filepath.Dir(logPath), "engine.log"),
		Logger:    logger.With("component", "engine"),
	}
	logger.Info("Starting boxclient", "version", boxclient.BuildVersion(), "dataPath", dataPath)

	var telCfg telemetry.Config
	if err := store.GetStruct(settings.TelemetryKey, &telCfg); err != nil {
		logger.Warn("Invalid telemetry settings", "error", err)
	}
	attrs := telemetry.DefaultAttributes(boxclient.Version, sb.Version())
	attrs.DeviceID = deviceid.Get(store)
	if err := telemetry.Setup(context.Background(), telCfg, attrs); err != nil {
		logger.Error("Failed to set up telemetry", "error", err)
	}

	client := boxclient.NewClient(
		boxclient.WithLogger(logger),
		boxclient.WithEngine(sb),
		boxclient.WithAssets(assets.NewManager(sb.AssetDir, assets.WithLogger(logger))),
		boxclient.WithWatchConfig(store.GetBool(settings.WatchConfigKey)),
	)

	cfgPath := cmd.Config
	if cfgPath != "" {
		if cfgPath, err = filepath.Abs(cfgPath); err != nil {
			return err
		}
		if err := store.Set(settings.ConfigPathKey, cfgPath); err != nil {
			logger.Warn("Failed to remember config path", "error", err)
		}
	} else {
		cfgPath = store.GetString(settings.ConfigPathKey)
	}
	if cfgPath != "" {
		if err := client.LoadConfigFromFile(cfgPath); err != nil {
			logger.Error("Failed to load config", "path", cfgPath, "error", err)
			reporting.CaptureError(err)
		} else if cmd.Start || store.GetBool(settings.AutoStartKey) {
			if err := client.Start(); err != nil {
				logger.Error("Failed to start", "error", err)
			}
		}
	}

	server := ipc.NewServer(client, logger)
	if err := server.Start(dataPath); err != nil {
		client.Destroy()
		return err
	}

	// Wait for a signal to gracefully shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")
	time.AfterFunc(shutdownTimeout, func() {
		log.Fatal("Failed to shut down in time, forcing exit.")
	})
	server.Close()
	if err := client.Destroy(); err != nil {
		logger.Error("Failed to stop client", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return telemetry.Close(ctx)
}
