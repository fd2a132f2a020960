package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/e7canasta/orion-fatigue/internal/config"
	"github.com/e7canasta/orion-fatigue/internal/console"
	"github.com/e7canasta/orion-fatigue/internal/httpapi"
	"github.com/e7canasta/orion-fatigue/internal/telemetry"
	"github.com/e7canasta/orion-fatigue/modules/fatigue"
	"github.com/e7canasta/orion-fatigue/modules/framesource"
	"github.com/e7canasta/orion-fatigue/modules/landmarks"
	"github.com/e7canasta/orion-fatigue/modules/previewbus"
	"github.com/e7canasta/orion-fatigue/modules/report"
	"github.com/e7canasta/orion-fatigue/modules/session"
)

const (
	defaultConfigPath = "config/fatigue.yaml"
	metricsInterval   = time.Second
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (empty: defaults only)")
	envFile := flag.String("env", ".env", "Optional env file with FATIGUE_* overrides")
	debug := flag.Bool("debug", false, "Enable debug logging")
	useConsole := flag.Bool("console", false, "Run the terminal console")
	participant := flag.String("participant", "", "Participant id (overrides config)")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	synthetic := flag.Bool("synthetic", false, "Use the synthetic camera and extractor")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	setupLogger(os.Stdout, logLevel)

	if err := config.LoadEnv(*envFile); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}
	if _, err := os.Stat(*configPath); errors.Is(err, os.ErrNotExist) && *configPath == defaultConfigPath {
		*configPath = ""
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *participant != "" {
		cfg.Participant = *participant
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}
	if *synthetic {
		cfg.Camera.Source = config.SourceSynthetic
		cfg.Landmarks.Command = ""
	}
	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// The console owns the terminal; logs go to a file next to the reports.
	var accessLog io.Writer = os.Stdout
	if *useConsole {
		logFile, err := openLogFile(cfg.ReportDir)
		if err != nil {
			slog.Error("failed to open log file", "error", err)
			os.Exit(1)
		}
		defer logFile.Close()
		setupLogger(logFile, logLevel)
		accessLog = logFile
	}

	slog.Info("starting fatigued",
		"config", *configPath,
		"participant", cfg.Participant,
		"camera", cfg.Camera.Source,
		"fps", cfg.Capture.TargetFPS,
		"debug", *debug,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cam, err := newCamera(cfg)
	if err != nil {
		slog.Error("failed to create camera", "error", err)
		os.Exit(1)
	}
	extractor, closeExtractor, err := newExtractor(cfg)
	if err != nil {
		slog.Error("failed to create landmark extractor", "error", err)
		os.Exit(1)
	}
	defer closeExtractor()

	sink, err := newSink(ctx, cfg)
	if err != nil {
		slog.Error("failed to open report sinks", "error", err)
		os.Exit(1)
	}

	bus := previewbus.New()
	defer bus.Close()

	ctrl, err := session.New(cfg.Session(), cam, extractor, sink, session.WithBus(bus))
	if err != nil {
		slog.Error("failed to create session controller", "error", err)
		os.Exit(1)
	}

	metrics := telemetry.New()
	go func() {
		if err := metrics.Run(ctx, bus, ctrl.Snapshot, metricsInterval); err != nil {
			slog.Error("telemetry collector stopped", "error", err)
		}
	}()

	var api *httpapi.Server
	var httpServer *http.Server
	if cfg.HTTP.Listen != "" {
		api = httpapi.New(ctrl, bus, metrics, accessLog)
		httpServer = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("http api listening", "addr", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http api failed", "error", err)
				stop()
			}
		}()
	}

	if err := ctrl.Open(ctx); err != nil {
		slog.Error("failed to open session", "error", err)
		shutdown(cfg.ShutdownTimeout(), ctrl, api, httpServer)
		os.Exit(1)
	}

	if *useConsole {
		if err := console.Run(ctx, ctrl, console.DefaultInterval); err != nil {
			slog.Error("console failed", "error", err)
		}
	} else {
		<-ctx.Done()
		slog.Info("received shutdown signal")
	}

	slog.Info("shutting down gracefully", "timeout", cfg.ShutdownTimeout())
	if err := shutdown(cfg.ShutdownTimeout(), ctrl, api, httpServer); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("fatigued stopped successfully")
}

func setupLogger(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "fatigued.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func newCamera(cfg *config.Config) (framesource.Camera, error) {
	if cfg.Camera.Source == config.SourceSynthetic {
		return framesource.NewSyntheticCamera(cfg.Camera.Width, cfg.Camera.Height), nil
	}
	return framesource.NewGstCamera(framesource.GstConfig{
		Device: cfg.Camera.Device,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		FPS:    cfg.Capture.TargetFPS,
	})
}

func newExtractor(cfg *config.Config) (fatigue.Extractor, func(), error) {
	if cfg.Landmarks.Command == "" {
		slog.Warn("no landmark command configured, using synthetic eye signal")
		return landmarks.DefaultSynthetic(), func() {}, nil
	}
	w, err := landmarks.NewWorker(landmarks.Config{
		Command: cfg.Landmarks.Command,
		Args:    cfg.Landmarks.Args,
		Timeout: time.Duration(cfg.Landmarks.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, nil, err
	}
	return w, func() {
		if err := w.Close(); err != nil {
			slog.Warn("landmark worker close failed", "error", err)
		}
	}, nil
}

// newSink opens every configured sink. An unreachable MQTT broker is not
// fatal: trials are still written to disk.
func newSink(ctx context.Context, cfg *config.Config) (report.Sink, error) {
	var sinks []report.Sink

	if cfg.Report.CSV {
		sinks = append(sinks, report.NewCSVSink(cfg.ReportDir))
	}
	if cfg.Report.SQLitePath != "" {
		db, err := report.OpenSQLite(cfg.Report.SQLitePath)
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		sinks = append(sinks, db)
	}
	if cfg.MQTT.Broker != "" {
		m := report.NewMQTTSink(report.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		})
		if err := m.Connect(ctx); err != nil {
			slog.Warn("mqtt broker unreachable, live publishing disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			sinks = append(sinks, m)
		}
	}

	switch len(sinks) {
	case 0:
		slog.Warn("no report sinks configured, trials will not be recorded")
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return report.Multi(sinks...), nil
	}
}

// shutdown stops the API first so no command races the controller close,
// then closes the session (writing the summary of a running trial).
func shutdown(timeout time.Duration, ctrl *session.Controller, api *httpapi.Server, srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if api != nil {
		api.Shutdown()
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}

	done := make(chan error, 1)
	go func() { done <- ctrl.Close() }()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, fmt.Errorf("session: %w", err))
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("session: close timed out after %s", timeout))
	}
	return errors.Join(errs...)
}
