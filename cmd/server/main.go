package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"streamnode/internal/control"
	"streamnode/internal/liveness"
	"streamnode/internal/notify"
	"streamnode/internal/pipeline"
	"streamnode/internal/platform/config"
	"streamnode/internal/platform/logger"
	"streamnode/internal/platform/metrics"
	"streamnode/internal/registry"
)

func main() {
	_ = config.Load()

	cfg := config.Defaults()
	if path := config.GetEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			logger.New(cfg.Log.Level, cfg.Log.Format).Error("config file error", "error", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	met := metrics.New()

	var factory registry.ControllerFactory
	switch cfg.Channels.Mode {
	case config.ModePipeline:
		factory = registry.PipelineFactory(pipeline.Config{
			Command:      cfg.Pipeline.Command,
			Host:         cfg.Node.PublicHost,
			StartupGrace: cfg.Pipeline.StartupGrace,
			StopTimeout:  cfg.Pipeline.StopTimeout,
			Log:          log,
		})
	default:
		factory = registry.MonitorFactory(liveness.Options{Log: log}, met)
	}

	reg := registry.New(registry.Options{
		BasePort:   cfg.Channels.BasePort,
		PublicHost: cfg.Node.PublicHost,
		Factory:    factory,
		Log:        log,
		Metrics:    met,
	})
	hub := notify.NewHub(log, met)

	format := registry.VideoFormat{
		Width:     cfg.Channels.Width,
		Height:    cfg.Channels.Height,
		Framerate: cfg.Channels.Framerate,
	}
	router := control.NewRouter(control.RouterOptions{
		Handler: control.NewHandler(reg, format, log),
		WebDir:  cfg.Web.Dir,
		Log:     log,
		Metrics: met,
		UpdateGauges: func() {
			registered, live := reg.Counts()
			met.SetChannels(registered, live)
			met.SetWebsocketClients(hub.ClientCount())
		},
	})
	srv := control.New(control.Options{
		Addr:         cfg.Addr(),
		PollInterval: cfg.HTTP.PollInterval,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		Handler:      router,
		Hub:          hub,
		Log:          log,
	})

	if err := srv.Start(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("server starting",
		"addr", cfg.Addr(),
		"mode", cfg.Channels.Mode,
		"channels", cfg.Channels.Count,
		"base_udp_port", cfg.Channels.BasePort,
		"log_level", cfg.Log.Level,
	)

	started := 0
	for id := 0; id < cfg.Channels.Count; id++ {
		if err := reg.StartStream(id, format); err != nil {
			log.Error("channel failed to start", "id", id, "error", err)
			continue
		}
		started++
	}
	log.Info("channels started", "started", started, "requested", cfg.Channels.Count)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return registry.NewWatcher(reg, hub, cfg.Channels.StatusPollInterval, log).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
		return reg.StopAllStreams()
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
