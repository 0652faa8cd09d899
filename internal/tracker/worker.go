package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"track-agent/internal/link"
	"track-agent/internal/location"
	"track-agent/internal/observability"
	"track-agent/internal/status"
)

var (
	errPermission   = errors.New("tracker: location permission not granted")
	errSourceClosed = errors.New("tracker: location updates closed")
)

func (c *Controller) launchLocked() {
	if c.workerCancel != nil || c.state != StateStopped {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.epoch++
	c.workerCancel = cancel
	c.workerDone = make(chan struct{})
	c.state = StateStarting
	observability.WorkerStarts.Inc()
	go c.runWorker(ctx, cancel, c.epoch, c.workerDone)
}

func (c *Controller) runWorker(ctx context.Context, cancel context.CancelFunc, epoch uint64, done chan struct{}) {
	var (
		err   error
		fault interface{}
	)
	func() {
		defer func() { fault = recover() }()
		err = c.work(ctx, epoch)
	}()
	cancel()
	c.workerExited(epoch, err)
	close(done)

	if fault != nil {
		c.handleFault(fault)
	}
}

func (c *Controller) work(ctx context.Context, epoch uint64) error {
	if c.deps.Permission == nil || !c.deps.Permission.Granted(ctx) {
		c.publish(status.PermissionRequestFailed)
		return errPermission
	}

	updates, err := c.deps.Source.RequestUpdates(ctx, c.opts.Policy)
	switch {
	case err == nil:
	case errors.Is(err, location.ErrBadPolicy):
		c.publish(status.IncorrectLocationRequestParameters)
		return err
	case errors.Is(err, location.ErrDisabled):
		c.publish(status.HardwareResolutionFailed)
		return err
	default:
		c.publish(status.Unknown)
		return fmt.Errorf("request updates: %w", err)
	}

	cfg, ok := c.markRunning(epoch)
	if !ok {
		return nil
	}
	c.logger.Info("tracking worker running", "interval", c.opts.Policy.Interval)
	c.publish(status.ServiceStarted)

	fixes := make(chan location.Fix)
	defer close(fixes)
	go c.runProcessors(fixes)

	watchdog := time.NewTimer(c.opts.NoLocationTimeout)
	defer watchdog.Stop()
	warned := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case fix, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errSourceClosed
			}
			observability.FixesReceived.Inc()
			watchdog.Reset(c.opts.NoLocationTimeout)
			warned = false

			select {
			case fixes <- fix:
			case <-ctx.Done():
				return nil
			}
			c.deps.Reporter.Send(link.NewRecord(cfg.RiderID, cfg.APIKey, fix))
		case <-watchdog.C:
			if !warned {
				c.logger.Warn("no location received", "for", c.opts.NoLocationTimeout)
				c.publish(status.WarningNoLocationLongTime)
				warned = true
			}
			watchdog.Reset(c.opts.NoLocationTimeout)
		}
	}
}

// runProcessors corre los procesadores en su propia goroutine, en orden de
// llegada. Desde aquí un procesador puede llamar StopTrack o Close.
func (c *Controller) runProcessors(fixes <-chan location.Fix) {
	for fix := range fixes {
		c.processFix(fix)
	}
}

func (c *Controller) markRunning(epoch uint64) (riderIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.workerCancel == nil {
		return riderIdentity{}, false
	}
	c.state = StateRunning
	setTrackingGauge(true)
	return riderIdentity{RiderID: c.cfg.RiderID, APIKey: c.cfg.APIKey}, true
}

// riderIdentity is what every record carries from the configuration.
type riderIdentity struct {
	RiderID int
	APIKey  string
}

func (c *Controller) workerExited(epoch uint64, err error) {
	c.mu.Lock()
	wasRunning := false
	if c.epoch == epoch {
		wasRunning = c.state == StateRunning
		c.state = StateStopped
		c.workerCancel = nil
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("tracking worker exited", "err", err)
	}
	if wasRunning {
		setTrackingGauge(false)
		c.publish(status.ServiceStopped)
	}
}

// supervise relaunches the worker every RestartDelay while tracking is
// desired and no worker is alive.
func (c *Controller) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.RestartDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if ctx.Err() == nil && c.desired && c.state == StateStopped && c.workerCancel == nil {
				c.logger.Info("relaunching tracking worker")
				c.launchLocked()
			}
			c.mu.Unlock()
		}
	}
}

// -------------------------------------------------------------------
//                              FALLAS
// -------------------------------------------------------------------

func (c *Controller) handleFault(v interface{}) {
	c.logger.Error("tracking worker fault, stopping tracking", "err", fmt.Sprint(v))
	if err := c.StopTrack(context.Background()); err != nil {
		c.logger.Error("stop after fault failed", "err", err)
	}
	if c.opts.FaultHandler != nil {
		c.opts.FaultHandler(v)
		return
	}
	panic(v)
}

// Guard stops tracking when the calling goroutine panics and then lets the
// panic continue unchanged. Use it as `defer ctrl.Guard()`.
func (c *Controller) Guard() {
	r := recover()
	if r == nil {
		return
	}
	c.mu.Lock()
	desired := c.desired && c.configured
	c.mu.Unlock()
	if desired {
		c.logger.Error("stopping tracking on application fault", "err", fmt.Sprint(r))
		if err := c.StopTrack(context.Background()); err != nil {
			c.logger.Error("stop on fault failed", "err", err)
		}
	}
	panic(r)
}

// Go runs fn on a new goroutine protected by Guard.
func (c *Controller) Go(fn func()) {
	go func() {
		defer c.Guard()
		fn()
	}()
}
