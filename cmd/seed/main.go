package main

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/storage"
)

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	scenario := lflag.String("scenario", "conflict", "Feeder to seed (one of: "+strings.Join(scenarioNames(), ", ")+")")
	houseCount := lflag.String("houses", "24", "Number of houses for the random scenario")
	samples := lflag.String("samples", "10", "Telemetry samples written per house")
	interval := lflag.Duration("sample-interval", 10*time.Second, "Time between telemetry samples")
	clearLogs := lflag.Bool("clear", true, "Clear the telemetry and switch logs before seeding")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	n, err := strconv.Atoi(*houseCount)
	if err != nil || n <= 0 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid house count", slog.String("houses", *houseCount))
		os.Exit(1)
	}
	perHouse, err := strconv.Atoi(*samples)
	if err != nil || perHouse <= 0 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid sample count", slog.String("samples", *samples))
		os.Exit(1)
	}

	houses, ok := scenarios[*scenario]
	if *scenario == "random" {
		houses, ok = randomFeeder(rng, n), true
	}
	if !ok {
		log.Ctx(ctx).ErrorContext(ctx, "unknown scenario", slog.String("scenario", *scenario))
		os.Exit(1)
	}

	if *clearLogs {
		if err := s.ClearTelemetry(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to clear telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		if err := s.ClearSwitchHistory(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to clear switch history", slog.Any("error", err))
			os.Exit(1)
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding feeder", slog.String("scenario", *scenario), slog.Int("houses", len(houses)))

	states, events := buildFeeder(rng, houses, time.Now().UTC(), perHouse, *interval)
	for _, e := range events {
		if err := s.AppendTelemetry(ctx, e); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to append telemetry", slog.String("houseID", e.HouseID), slog.Any("error", err))
			os.Exit(1)
		}
	}
	if err := s.SaveState(ctx, states); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save state", slog.Any("error", err))
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded feeder", slog.Int("houses", len(states)), slog.Int("events", len(events)))
}
