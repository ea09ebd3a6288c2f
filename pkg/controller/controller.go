// Package controller runs the balancing cycle. It owns the house store and
// serializes every read and write of it behind a single mutex, so a reading
// update and the cycle it triggers observe one consistent state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/phaserudder/phaserudder/pkg/analyzer"
	"github.com/phaserudder/phaserudder/pkg/balancer"
	"github.com/phaserudder/phaserudder/pkg/clock"
	"github.com/phaserudder/phaserudder/pkg/log"
	"github.com/phaserudder/phaserudder/pkg/storage"
	"github.com/phaserudder/phaserudder/pkg/store"
	"github.com/phaserudder/phaserudder/pkg/types"
)

// Recorder receives metrics about the engine. Implementations must not block.
type Recorder interface {
	ObserveCycle(status types.CycleStatus, elapsed time.Duration)
	ObserveTelemetry(registered bool)
	ObservePersistenceError(op string)
}

// Publisher is told about every applied switch. Implementations must not
// block.
type Publisher interface {
	PublishSwitch(ctx context.Context, event types.SwitchEvent)
}

// Option configures optional collaborators of a Controller.
type Option func(*Controller)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		c.recorder = r
	}
}

// WithPublisher sets the switch event publisher.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) {
		c.publisher = p
	}
}

// Controller is the balancing engine.
type Controller struct {
	settings types.Settings
	clock    clock.Clock
	db       storage.Database

	recorder  Recorder
	publisher Publisher

	mu       sync.Mutex
	store    *store.Store
	analyzer *analyzer.Analyzer
	export   balancer.Strategy
	imp      balancer.Strategy
	debounce modeDebounce
}

// New creates a Controller. db may be nil to run without persistence.
func New(db storage.Database, clk clock.Clock, settings types.Settings, opts ...Option) *Controller {
	c := &Controller{}
	c.init(db, clk, settings, opts...)
	return c
}

func (c *Controller) init(db storage.Database, clk clock.Clock, settings types.Settings, opts ...Option) {
	st := store.New(db, clk, settings)
	a := analyzer.New(st, settings)
	c.settings = settings
	c.clock = clk
	c.db = db
	c.store = st
	c.analyzer = a
	c.export = balancer.NewExport(st, a, settings)
	c.imp = balancer.NewImport(st, a, settings)
	c.debounce = modeDebounce{stable: settings.ModeStableDuration}
	for _, opt := range opts {
		opt(c)
	}
}

// Restore rebuilds house state from storage according to the startup
// policy. It should be called once before serving.
func (c *Controller) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore house state: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "restored house state", slog.Int("houses", c.store.Len()))
	return nil
}

// Register adds a house on phase. A failure to persist the registration is
// logged and does not fail the call.
func (c *Controller) Register(ctx context.Context, houseID string, phase types.Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persisted(c.store.Register(log.WithHouse(ctx, houseID), houseID, phase))
}

// SubmitTelemetry records a reading and runs one cycle. An unseen house is
// registered on the phase it reports. It returns the phase the house is on
// after the cycle, which differs from the reported one if the cycle moved it.
func (c *Controller) SubmitTelemetry(ctx context.Context, t types.Telemetry) (types.Phase, types.CycleStatus, error) {
	if err := t.Validate(); err != nil {
		return "", types.CycleStatus{}, err
	}
	ctx = log.WithHouse(ctx, t.HouseID)

	c.mu.Lock()
	defer c.mu.Unlock()

	_, registered := c.store.House(t.HouseID)
	if !registered {
		phase, err := types.ParsePhase(t.Phase)
		if err != nil {
			return "", types.CycleStatus{}, err
		}
		if err := c.persisted(c.store.Register(ctx, t.HouseID, phase)); err != nil {
			return "", types.CycleStatus{}, err
		}
	}
	if c.recorder != nil {
		c.recorder.ObserveTelemetry(registered)
	}

	_, err := c.store.UpdateReading(ctx, t.HouseID, t.Voltage, t.Current, t.PowerKW)
	var perr *types.PersistenceError
	if err != nil && !errors.As(err, &perr) {
		return "", types.CycleStatus{}, err
	}
	if perr != nil && c.recorder != nil {
		c.recorder.ObservePersistenceError(perr.Op)
	}

	status := c.runCycle(ctx)
	if perr != nil && status.PersistError == "" {
		status.PersistError = perr.Error()
	}

	h, _ := c.store.House(t.HouseID)
	return h.Phase, status, nil
}

// RunCycle runs one decision cycle and applies at most one switch. It never
// returns an error and never panics; problems are reported in the status.
func (c *Controller) RunCycle(ctx context.Context) types.CycleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCycle(ctx)
}

func (c *Controller) runCycle(ctx context.Context) (status types.CycleStatus) {
	start := time.Now()
	now := c.clock.Now()
	ctx = log.WithCycle(ctx, types.NewEventID())
	status.Timestamp = now

	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).ErrorContext(
				ctx,
				"panic during cycle",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			status.Recommendation = nil
			status.Rejection = string(types.RejectionPanic)
		}
		if c.recorder != nil {
			c.recorder.ObserveCycle(status, time.Since(start))
		}
	}()

	stats := c.analyzer.PhaseStats(now)
	status.PhaseStats = stats
	status.RawMode = c.analyzer.DetectMode(now)
	status.Mode = c.debounce.observe(status.RawMode, now)
	status.ImbalanceKW = analyzer.Imbalance(stats)
	status.VoltageIssues = c.analyzer.VoltageIssues(stats)
	status.PowerIssues = c.analyzer.PowerIssues(stats)

	if status.VoltageIssues.Empty() && status.PowerIssues.Empty() && status.ImbalanceKW < c.settings.MinImbalanceKW {
		status.Healthy = true
		log.Ctx(ctx).DebugContext(ctx, "feeder healthy", slog.Float64("imbalanceKW", status.ImbalanceKW))
		return status
	}

	strategy := c.strategy(status.Mode)
	view := balancer.View{
		Now:           now,
		Stats:         stats,
		ImbalanceKW:   status.ImbalanceKW,
		VoltageIssues: status.VoltageIssues,
	}
	rec := strategy.FindBestSwitch(ctx, view)
	if rec == nil {
		log.Ctx(ctx).DebugContext(
			ctx,
			"no switch recommended",
			slog.String("mode", string(status.Mode)),
			slog.Float64("imbalanceKW", status.ImbalanceKW),
		)
		return status
	}

	if err := c.validate(*rec, status.ImbalanceKW, now); err != nil {
		var rerr *types.RejectionError
		if errors.As(err, &rerr) {
			status.Rejection = string(rerr.Reason)
		}
		log.Ctx(ctx).WarnContext(
			ctx,
			"rejected switch",
			slog.String("houseID", rec.HouseID),
			slog.String("to", rec.ToPhase.String()),
			slog.Any("error", err),
		)
		return status
	}

	event, err := c.store.ApplySwitch(log.WithHouse(ctx, rec.HouseID), rec.HouseID, rec.ToPhase, rec.Reason)
	if err != nil {
		var perr *types.PersistenceError
		if !errors.As(err, &perr) {
			log.Ctx(ctx).ErrorContext(ctx, "failed to apply switch", slog.String("houseID", rec.HouseID), slog.Any("error", err))
			return status
		}
		status.PersistError = perr.Error()
		if c.recorder != nil {
			c.recorder.ObservePersistenceError(perr.Op)
		}
	}
	status.Recommendation = rec
	if c.publisher != nil {
		c.publisher.PublishSwitch(ctx, event)
	}
	return status
}

func (c *Controller) strategy(mode types.Mode) balancer.Strategy {
	if mode == types.ModeExport {
		return c.export
	}
	return c.imp
}

// persisted drops a persistence failure after counting it. Any other error is
// returned unchanged.
func (c *Controller) persisted(err error) error {
	var perr *types.PersistenceError
	if errors.As(err, &perr) {
		if c.recorder != nil {
			c.recorder.ObservePersistenceError(perr.Op)
		}
		return nil
	}
	return err
}

// PhaseStats returns the current per-phase totals.
func (c *Controller) PhaseStats() []types.PhaseStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.analyzer.PhaseStats(c.clock.Now())
}

// ConfirmedMode returns the debounced mode, or "" before the first cycle.
func (c *Controller) ConfirmedMode() types.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.debounce.state.Confirmed
}

// Houses returns every registered house sorted by id.
func (c *Controller) Houses() []types.HouseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Houses()
}

// House returns a single house.
func (c *Controller) House(houseID string) (types.HouseState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.House(houseID)
}

// Snapshot returns the analytics view of the feeder. It reports the mode the
// next cycle would confirm without advancing the debounce.
func (c *Controller) Snapshot() types.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	stats := c.analyzer.PhaseStats(now)
	raw := c.analyzer.DetectMode(now)

	byPhase := make(map[types.Phase][]types.HouseReading, len(types.Phases))
	for _, h := range c.store.Houses() {
		hr := types.HouseReading{
			HouseID:         h.HouseID,
			Phase:           h.Phase,
			SmoothedPowerKW: h.SmoothedPowerKW,
			LastChanged:     h.LastChanged,
		}
		if h.LastReading != nil {
			hr.Voltage = h.LastReading.Voltage
			hr.Current = h.LastReading.Current
			hr.PowerKW = h.LastReading.PowerKW
			hr.Timestamp = h.LastReading.Timestamp
		}
		if p, ok := c.analyzer.EffectivePower(h, now); ok {
			hr.Mode = types.ModeConsume
			if p < 0 {
				hr.Mode = types.ModeExport
			}
		}
		byPhase[h.Phase] = append(byPhase[h.Phase], hr)
	}

	phases := make([]types.PhaseAnalytics, 0, len(stats))
	for _, ps := range stats {
		hs := byPhase[ps.Phase]
		sort.Slice(hs, func(i, j int) bool {
			return hs[i].HouseID < hs[j].HouseID
		})
		phases = append(phases, types.PhaseAnalytics{PhaseStats: ps, Houses: hs})
	}

	return types.Snapshot{
		Timestamp:     now,
		Mode:          c.debounce.peek(raw, now),
		RawMode:       raw,
		ImbalanceKW:   analyzer.Imbalance(stats),
		Phases:        phases,
		Details:       c.analyzer.Details(stats, now),
		VoltageIssues: c.analyzer.VoltageIssues(stats),
		PowerIssues:   c.analyzer.PowerIssues(stats),
		Houses:        c.store.Len(),
	}
}

// SwitchHistory returns up to limit applied switches, newest first.
func (c *Controller) SwitchHistory(ctx context.Context, limit int) ([]types.SwitchEvent, error) {
	if c.db == nil {
		return []types.SwitchEvent{}, nil
	}
	events, err := c.db.GetSwitchHistory(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get switch history: %w", err)
	}
	return events, nil
}

// TelemetryHistory returns a house's telemetry within the retention window,
// oldest first.
func (c *Controller) TelemetryHistory(ctx context.Context, houseID string) ([]types.TelemetryEvent, error) {
	if _, ok := c.House(houseID); !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownHouse, houseID)
	}
	if c.db == nil {
		return []types.TelemetryEvent{}, nil
	}
	since := c.clock.Now().Add(-c.settings.TelemetryRetention)
	events, err := c.db.GetTelemetryHistory(ctx, houseID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get telemetry history: %w", err)
	}
	return events, nil
}

// Run runs a cycle every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	log.Ctx(ctx).InfoContext(ctx, "starting auto balance", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := c.RunCycle(ctx)
			log.Ctx(ctx).DebugContext(
				ctx,
				"auto balance cycle",
				slog.String("mode", string(status.Mode)),
				slog.Float64("imbalanceKW", status.ImbalanceKW),
				slog.Bool("switched", status.Recommendation != nil),
			)
		}
	}
}
