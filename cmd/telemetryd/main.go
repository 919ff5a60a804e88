// Package main runs the UAV telemetry hub: the HTTP, WebSocket and broker
// ingestion paths, the live observer stream and the simulated fallback.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/config"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "telemetryd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting telemetry hub",
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"device_id", cfg.DeviceID)

	svc, err := service.New(cfg, logger, metric.NewMetricsRegistry())
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	return runWithSignalHandling(context.Background(), svc, cliCfg, logger)
}

// runWithSignalHandling starts the hub and blocks until SIGINT or SIGTERM.
func runWithSignalHandling(ctx context.Context, svc *service.Service, cliCfg *CLIConfig, logger *slog.Logger) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := svc.Start(signalCtx); err != nil {
		_ = svc.Stop(cliCfg.ShutdownTimeout)
		return fmt.Errorf("start service: %w", err)
	}
	logger.Info("Telemetry hub started", "addr", svc.Addr())

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	if err := svc.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("Telemetry hub shutdown complete")
	return nil
}

// loadConfig layers the optional file over the defaults, then applies the
// TELEMETRY_ environment overrides and validates the result.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)
	return loader.Load()
}
