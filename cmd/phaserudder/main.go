package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/phaserudder/phaserudder/pkg/controller"
	"github.com/phaserudder/phaserudder/pkg/ingest"
	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/metrics"
	"github.com/phaserudder/phaserudder/pkg/notify"
	"github.com/phaserudder/phaserudder/pkg/server"
	"github.com/phaserudder/phaserudder/pkg/storage"
)

func main() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(reg)

	// init packages
	s := storage.Configured()
	pub := notify.Configured()
	c := controller.Configured(s, controller.WithRecorder(recorder), controller.WithPublisher(pub))
	sub := ingest.Configured()
	interval := lflag.Duration("auto-balance-interval", time.Minute, "How often to run a balancing cycle without waiting for telemetry (0 disables)")

	// init server
	srv := server.Configured(c, reg)

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level := log.ParseLevel(llog.GetLevel().String())
	log.SetDefaultLogLevel(level)
	log.Ctx(context.Background()).Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	if err := c.Restore(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to restore state", slog.Any("error", err))
		os.Exit(1)
	}

	if pub.Enabled() {
		pub.Start(ctx)
		defer func() {
			if err := pub.Close(); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to close kafka publisher", slog.Any("error", err))
			}
		}()
	}

	if sub.Enabled() {
		if err := sub.Start(ctx, c); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to start mqtt subscriber", slog.Any("error", err))
			os.Exit(1)
		}
		defer sub.Close()
	}

	if *interval > 0 {
		go c.Run(ctx, *interval)
	}

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
