package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"track-agent/internal/config"
	"track-agent/internal/link"
	"track-agent/internal/location"
	"track-agent/internal/observability"
	"track-agent/internal/status"
	"track-agent/internal/store"
	"track-agent/internal/tracker"
)

const usage = `usage: agent [run|start|stop|status|locate|grant|revoke]

  run     resume tracking if it was on and keep reporting (default)
  start   turn tracking on and keep reporting
  stop    turn tracking off
  status  print the durable flags
  locate  print the current location once
  grant   record that the user granted location permission
  revoke  record that the user revoked location permission
`

// ruta de demo para SOURCE=sim
var demoRoute = []location.Fix{
	{Latitude: 19.432608, Longitude: -99.133209, Accuracy: 8},
	{Latitude: 19.433120, Longitude: -99.134050, Accuracy: 6},
	{Latitude: 19.433890, Longitude: -99.135210, Accuracy: 6},
	{Latitude: 19.434560, Longitude: -99.136480, Accuracy: 9},
	{Latitude: 19.435010, Longitude: -99.137720, Accuracy: 7},
}

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	logger := observability.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := runCommand(cmd, cfg, logger); err != nil {
		logger.Error("command failed", "cmd", cmd, "err", err)
		os.Exit(1)
	}
}

func runCommand(cmd string, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	perm := store.NewPermission(st, logger)

	switch cmd {
	case "grant":
		return perm.Grant(ctx)
	case "revoke":
		return perm.Revoke(ctx)
	case "status":
		desired, err := store.GetBool(ctx, st, store.KeyTrackingDesired, false)
		if err != nil {
			return err
		}
		fmt.Printf("tracking_desired=%t location_permission=%t\n", desired, perm.Granted(ctx))
		return nil
	case "run", "start", "stop", "locate":
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command: %s", cmd)
	}

	bus := status.NewBus(logger)
	defer bus.Close()

	src, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}

	dialer, err := link.NewDialer(cfg.Transport, cfg.ReportTopic, logger)
	if err != nil {
		return err
	}
	reporter := link.New(link.Options{
		Addr:        cfg.ReportAddr,
		QueueSize:   cfg.QueueSize,
		MinBackoff:  cfg.MinBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		RetryBudget: cfg.RetryBudget,
	}, dialer, logger, bus.Publish)

	ctrl := tracker.New(tracker.Deps{
		Store:      st,
		Source:     src,
		Permission: perm,
		Reporter:   reporter,
		Bus:        bus,
		Logger:     logger,
	}, tracker.Options{
		Policy:            location.Policy{Interval: cfg.UpdateInterval, FastestInterval: cfg.FastestInterval},
		RestartDelay:      cfg.RestartDelay,
		NoLocationTimeout: cfg.NoLocationTimeout,
	})
	defer ctrl.Close()
	defer ctrl.Guard()

	if cmd == "locate" {
		return locate(ctx, ctrl)
	}

	// en stop no queremos que Configure reanude el worker
	if cmd == "stop" {
		if err := store.SetBool(ctx, st, store.KeyTrackingDesired, false); err != nil {
			return err
		}
	}
	if err := ctrl.Configure(ctx, cfg.Tracking); err != nil {
		return err
	}
	if cmd == "stop" {
		return ctrl.StopTrack(ctx)
	}

	ctrl.AddStatusCallback(func(code status.Code) {
		logger.Info("status", "code", code.String())
	}, true)
	ctrl.AddLocationProcessor(func(fix location.Fix) {
		logger.Info("fix",
			"lat", fix.Latitude,
			"lon", fix.Longitude,
			"accuracy", fix.Accuracy,
			"provider", fix.Provider)
	})

	if cmd == "start" {
		if err := ctrl.StartTrack(ctx); err != nil {
			return err
		}
	}

	go observability.StartMetricsServer(cfg.MetricsPort)
	logger.Info("track-agent running",
		"rider_id", cfg.Tracking.RiderID,
		"transport", cfg.Transport,
		"source", cfg.Source,
		"tracking", ctrl.IsTracking())

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		return store.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	case "", "sqlite":
		return store.OpenSQLite(cfg.StorePath)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.StoreBackend)
	}
}

func openSource(ctx context.Context, cfg config.Config, logger *slog.Logger) (location.Source, error) {
	switch cfg.Source {
	case "", "sim":
		return location.NewSimulator(demoRoute), nil
	case "avl":
		src := location.NewAVLSource(cfg.AVLListen, logger)
		if err := src.Start(ctx); err != nil {
			return nil, fmt.Errorf("avl listener: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown location source: %s", cfg.Source)
	}
}

func locate(ctx context.Context, ctrl *tracker.Controller) error {
	type answer struct {
		res location.Result
		fix location.Fix
	}
	out := make(chan answer, 1)
	ctrl.InstantLocation(ctx, func(res location.Result, fix location.Fix) {
		out <- answer{res, fix}
	})

	select {
	case a := <-out:
		if a.res != location.ResultOK {
			fmt.Printf("location=%s\n", a.res)
			return nil
		}
		fmt.Printf("lat=%.6f lon=%.6f accuracy=%.1f provider=%s at=%s\n",
			a.fix.Latitude, a.fix.Longitude, a.fix.Accuracy, a.fix.Provider,
			a.fix.Timestamp.Format(time.RFC3339))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
