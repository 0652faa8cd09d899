package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"track-agent/internal/config"
	"track-agent/internal/link"
	"track-agent/internal/location"
	"track-agent/internal/observability"
	"track-agent/internal/status"
	"track-agent/internal/store"
)

var (
	ErrNotConfigured     = errors.New("tracker: not configured")
	ErrAlreadyConfigured = errors.New("tracker: already configured")
)

// State of the tracking worker.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Reporter is the part of the reporting client the controller drives.
type Reporter interface {
	Connect(ctx context.Context)
	Send(rec link.Record)
	Disconnect() bool
}

type Deps struct {
	Store      store.Store
	Source     location.Source
	Permission location.Permission
	Reporter   Reporter
	Bus        *status.Bus
	Logger     *slog.Logger
}

type Options struct {
	Policy            location.Policy
	RestartDelay      time.Duration
	NoLocationTimeout time.Duration
	// FaultHandler receives a worker panic after tracking has been stopped.
	// Nil re-panics with the original value.
	FaultHandler func(v interface{})
}

// LocationProcessor receives every fix in receipt order. Processors share one
// goroutine per worker, separate from the worker itself.
type LocationProcessor func(location.Fix)

// ProcessorID identifies a registered LocationProcessor.
type ProcessorID uint64

type processorEntry struct {
	id ProcessorID
	fn LocationProcessor
}

// Controller coordinates tracking for one process. Hosts create one and pass
// it around; several independent controllers can coexist in tests.
type Controller struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	// opMu serializa start/stop para que nunca haya dos workers vivos.
	opMu sync.Mutex

	mu         sync.Mutex
	cfg        config.Tracking
	configured bool
	desired    bool
	state      State
	epoch      uint64 // se incrementa con cada worker lanzado

	workerCancel context.CancelFunc
	workerDone   chan struct{}
	superCancel  context.CancelFunc
	superDone    chan struct{}

	pmu        sync.RWMutex
	processors []processorEntry
	nextProcID ProcessorID
}

func New(deps Deps, opts Options) *Controller {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 30 * time.Second
	}
	if opts.NoLocationTimeout <= 0 {
		opts.NoLocationTimeout = 5 * time.Minute
	}
	if opts.Policy.Interval == 0 {
		opts.Policy = location.Policy{Interval: 10 * time.Second, FastestInterval: 5 * time.Second}
	}
	return &Controller{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With("component", "tracker"),
	}
}

// Configure validates cfg, loads the durable desired flag and, if tracking
// was desired when the process died, resumes it. The configuration is fixed
// after the first successful call; later calls return ErrAlreadyConfigured.
func (c *Controller) Configure(ctx context.Context, cfg config.Tracking) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	desired, err := store.GetBool(ctx, c.deps.Store, store.KeyTrackingDesired, false)
	if err != nil {
		return fmt.Errorf("load tracking flag: %w", err)
	}

	c.mu.Lock()
	if c.configured {
		c.mu.Unlock()
		return ErrAlreadyConfigured
	}
	c.cfg = cfg
	c.configured = true
	c.desired = desired
	c.mu.Unlock()

	c.logger.Info("configured",
		"rider_id", cfg.RiderID,
		"desired", desired,
		"notification_title", cfg.NotificationTitle,
		"notification_channel", cfg.NotificationChannelTitle)

	if desired {
		c.logger.Info("resuming tracking after restart")
		c.opMu.Lock()
		defer c.opMu.Unlock()
		c.mu.Lock()
		if c.superCancel == nil {
			c.startLocked()
		}
		c.mu.Unlock()
	}
	return nil
}

// Settings returns the tracking configuration given to Configure.
func (c *Controller) Settings() config.Tracking {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// StartTrack persists the intent to track, launches the worker and the
// supervisor and opens the reporting connection. Starting an already
// desired tracker is a no-op.
func (c *Controller) StartTrack(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.configured {
		return ErrNotConfigured
	}
	if c.desired && c.superCancel != nil {
		return nil
	}
	if err := store.SetBool(ctx, c.deps.Store, store.KeyTrackingDesired, true); err != nil {
		return fmt.Errorf("persist tracking flag: %w", err)
	}
	c.desired = true
	c.startLocked()
	return nil
}

func (c *Controller) startLocked() {
	c.deps.Reporter.Connect(context.Background())
	c.launchLocked()

	superCtx, cancel := context.WithCancel(context.Background())
	c.superCancel = cancel
	c.superDone = make(chan struct{})
	go c.supervise(superCtx, c.superDone)
}

// StopTrack clears the intent, stops the supervisor and the worker and
// closes the reporting connection. Stopping twice leaves the same state.
func (c *Controller) StopTrack(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	if !c.configured {
		c.mu.Unlock()
		return ErrNotConfigured
	}
	err := store.SetBool(ctx, c.deps.Store, store.KeyTrackingDesired, false)
	c.desired = false
	superDone, workerDone := c.stopLocked()
	c.mu.Unlock()

	wait(superDone)
	wait(workerDone)
	c.deps.Reporter.Disconnect()
	if err != nil {
		return fmt.Errorf("persist tracking flag: %w", err)
	}
	return nil
}

func (c *Controller) stopLocked() (superDone, workerDone chan struct{}) {
	if c.superCancel != nil {
		c.superCancel()
		c.superCancel = nil
		superDone = c.superDone
	}
	if c.workerCancel != nil {
		c.workerCancel()
		c.workerCancel = nil
		workerDone = c.workerDone
	}
	return superDone, workerDone
}

func wait(ch chan struct{}) {
	if ch != nil {
		<-ch
	}
}

// IsTracking reports whether tracking is desired and a worker is running.
func (c *Controller) IsTracking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired && c.state == StateRunning
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops tracking goroutines without touching the durable flag, as
// when the process shuts down.
func (c *Controller) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	superDone, workerDone := c.stopLocked()
	c.mu.Unlock()
	wait(superDone)
	wait(workerDone)
	c.deps.Reporter.Disconnect()
}

// -------------------------------------------------------------------
//                     UBICACIÓN INSTANTÁNEA
// -------------------------------------------------------------------

// CurrentLocation returns the provider's last fix. Without permission it
// returns ResultPermissionNeeded right away.
func (c *Controller) CurrentLocation(ctx context.Context) (location.Fix, location.Result) {
	return location.SingleFix(ctx, c.deps.Permission, c.deps.Source)
}

// InstantLocation calls cb with the current location. The permission check
// happens before returning; only a granted request completes asynchronously.
func (c *Controller) InstantLocation(ctx context.Context, cb func(location.Result, location.Fix)) {
	if c.deps.Permission == nil || !c.deps.Permission.Granted(ctx) {
		cb(location.ResultPermissionNeeded, location.Fix{})
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("instant location callback panicked", "err", fmt.Sprint(r))
			}
		}()
		fix, res := location.SingleFix(ctx, c.deps.Permission, c.deps.Source)
		cb(res, fix)
	}()
}

// -------------------------------------------------------------------
//                   CALLBACKS DE ESTADO Y UBICACIÓN
// -------------------------------------------------------------------

func (c *Controller) AddStatusCallback(obs status.Observer, replayLast bool) status.Handle {
	return c.deps.Bus.Subscribe(obs, replayLast)
}

func (c *Controller) RemoveStatusCallback(h status.Handle) {
	c.deps.Bus.Unsubscribe(h)
}

func (c *Controller) AddLocationProcessor(fn LocationProcessor) ProcessorID {
	if fn == nil {
		return 0
	}
	c.pmu.Lock()
	defer c.pmu.Unlock()
	c.nextProcID++
	c.processors = append(c.processors, processorEntry{id: c.nextProcID, fn: fn})
	return c.nextProcID
}

func (c *Controller) RemoveLocationProcessor(id ProcessorID) {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	for i, p := range c.processors {
		if p.id == id {
			c.processors = append(c.processors[:i], c.processors[i+1:]...)
			return
		}
	}
}

func (c *Controller) processFix(fix location.Fix) {
	c.pmu.RLock()
	procs := make([]processorEntry, len(c.processors))
	copy(procs, c.processors)
	c.pmu.RUnlock()

	for _, p := range procs {
		c.runProcessor(p, fix)
	}
}

func (c *Controller) runProcessor(p processorEntry, fix location.Fix) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("location processor panicked", "processor", p.id, "err", fmt.Sprint(r))
		}
	}()
	p.fn(fix)
}

func (c *Controller) publish(code status.Code) {
	c.deps.Bus.Publish(code)
}

func setTrackingGauge(running bool) {
	if running {
		observability.Tracking.Set(1)
	} else {
		observability.Tracking.Set(0)
	}
}
