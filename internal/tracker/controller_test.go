package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"track-agent/internal/config"
	"track-agent/internal/link"
	"track-agent/internal/location"
	"track-agent/internal/observability"
	"track-agent/internal/status"
	"track-agent/internal/store"
)

var route = []location.Fix{
	{Latitude: 19.4326, Longitude: -99.1332, Accuracy: 5},
	{Latitude: 19.4328, Longitude: -99.1335, Accuracy: 5},
	{Latitude: 19.4331, Longitude: -99.1339, Accuracy: 5},
}

var tracking = config.Tracking{RiderID: 42, APIKey: "k-42", NotificationTitle: "On duty"}

type fakeReporter struct {
	mu          sync.Mutex
	connected   bool
	connects    int
	disconnects int
	records     []link.Record
}

func (r *fakeReporter) Connect(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		r.connected = true
		r.connects++
	}
}

func (r *fakeReporter) Send(rec link.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *fakeReporter) Disconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return false
	}
	r.connected = false
	r.disconnects++
	return true
}

func (r *fakeReporter) sent() []link.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]link.Record(nil), r.records...)
}

type statusLog struct {
	mu    sync.Mutex
	codes []status.Code
}

func (l *statusLog) observe(c status.Code) {
	l.mu.Lock()
	l.codes = append(l.codes, c)
	l.mu.Unlock()
}

func (l *statusLog) count(c status.Code) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.codes {
		if got == c {
			n++
		}
	}
	return n
}

type harness struct {
	ctrl     *Controller
	store    *store.SQLite
	reporter *fakeReporter
	bus      *status.Bus
	statuses *statusLog
	granted  *atomic.Bool
	path     string
}

func newHarness(t *testing.T, src location.Source, path string, mutate func(*Options)) *harness {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "settings.db")
	}
	st, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	granted := &atomic.Bool{}
	granted.Store(true)
	h := &harness{
		store:    st,
		reporter: &fakeReporter{},
		bus:      status.NewBus(observability.NopLogger()),
		statuses: &statusLog{},
		granted:  granted,
		path:     path,
	}
	if src == nil {
		src = location.NewSimulator(route)
	}
	opts := Options{
		Policy:            location.Policy{Interval: 5 * time.Millisecond},
		RestartDelay:      20 * time.Millisecond,
		NoLocationTimeout: time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.ctrl = New(Deps{
		Store:      st,
		Source:     src,
		Permission: location.PermissionFunc(func(context.Context) bool { return granted.Load() }),
		Reporter:   h.reporter,
		Bus:        h.bus,
		Logger:     observability.NopLogger(),
	}, opts)
	h.ctrl.AddStatusCallback(h.statuses.observe, false)
	t.Cleanup(func() {
		h.ctrl.Close()
		h.bus.Close()
		st.Close()
	})
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func desiredFlag(t *testing.T, s store.Store) bool {
	t.Helper()
	v, err := store.GetBool(context.Background(), s, store.KeyTrackingDesired, false)
	if err != nil {
		t.Fatalf("read flag: %v", err)
	}
	return v
}

func TestStartStopTrack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)
	if err := h.ctrl.Configure(ctx, tracking); err != nil {
		t.Fatalf("configure: %v", err)
	}

	var mu sync.Mutex
	var seen []location.Fix
	h.ctrl.AddLocationProcessor(func(f location.Fix) {
		mu.Lock()
		seen = append(seen, f)
		mu.Unlock()
	})

	if err := h.ctrl.StartTrack(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "tracking", h.ctrl.IsTracking)
	if !desiredFlag(t, h.store) {
		t.Fatalf("desired flag not persisted")
	}
	eventually(t, "records", func() bool { return len(h.reporter.sent()) >= 3 })

	recs := h.reporter.sent()
	for i, r := range recs[:3] {
		if r.RiderID != 42 || r.APIKey != "k-42" || r.Fix.Latitude != route[i].Latitude {
			t.Fatalf("record %d = %+v", i, r)
		}
	}
	mu.Lock()
	if len(seen) < 3 || seen[0].Latitude != route[0].Latitude || seen[1].Latitude != route[1].Latitude {
		t.Fatalf("processor saw %+v", seen)
	}
	mu.Unlock()

	if err := h.ctrl.StopTrack(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.ctrl.IsTracking() || h.ctrl.State() != StateStopped {
		t.Fatalf("still tracking after stop: %s", h.ctrl.State())
	}
	if desiredFlag(t, h.store) {
		t.Fatalf("desired flag not cleared")
	}
	eventually(t, "lifecycle statuses", func() bool {
		return h.statuses.count(status.ServiceStarted) == 1 && h.statuses.count(status.ServiceStopped) == 1
	})
}

func TestStartBeforeConfigure(t *testing.T) {
	h := newHarness(t, nil, "", nil)
	if err := h.ctrl.StartTrack(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := h.ctrl.StopTrack(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestConfigureFailsFast(t *testing.T) {
	h := newHarness(t, nil, "", nil)
	if err := h.ctrl.Configure(context.Background(), config.Tracking{RiderID: 1}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
	if err := h.ctrl.StartTrack(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("failed configure must leave controller unconfigured, got %v", err)
	}
}

func TestStopTrackTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)
	_ = h.ctrl.Configure(ctx, tracking)
	_ = h.ctrl.StartTrack(ctx)
	eventually(t, "tracking", h.ctrl.IsTracking)

	if err := h.ctrl.StopTrack(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.ctrl.StopTrack(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if h.ctrl.IsTracking() || desiredFlag(t, h.store) {
		t.Fatalf("unexpected state after double stop")
	}
	h.reporter.mu.Lock()
	defer h.reporter.mu.Unlock()
	if h.reporter.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", h.reporter.disconnects)
	}
}

func TestLastCallWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)
	_ = h.ctrl.Configure(ctx, tracking)

	seq := []bool{true, true, false, true, false, false, true}
	for _, start := range seq {
		var err error
		if start {
			err = h.ctrl.StartTrack(ctx)
		} else {
			err = h.ctrl.StopTrack(ctx)
		}
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	eventually(t, "tracking after final start", h.ctrl.IsTracking)

	_ = h.ctrl.StopTrack(ctx)
	_ = h.ctrl.StartTrack(ctx)
	_ = h.ctrl.StopTrack(ctx)
	if h.ctrl.IsTracking() {
		t.Fatalf("tracking after final stop")
	}
}

func TestConcurrentStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)
	_ = h.ctrl.Configure(ctx, tracking)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.ctrl.StartTrack(ctx)
		}()
	}
	wg.Wait()
	eventually(t, "tracking", h.ctrl.IsTracking)
	time.Sleep(50 * time.Millisecond)
	if n := h.statuses.count(status.ServiceStarted); n != 1 {
		t.Fatalf("service started %d times", n)
	}
	h.reporter.mu.Lock()
	defer h.reporter.mu.Unlock()
	if h.reporter.connects != 1 {
		t.Fatalf("connects = %d", h.reporter.connects)
	}
}

func TestResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.db")

	first := newHarness(t, nil, path, nil)
	_ = first.ctrl.Configure(ctx, tracking)
	_ = first.ctrl.StartTrack(ctx)
	eventually(t, "tracking", first.ctrl.IsTracking)
	// muerte del proceso: sin StopTrack
	first.ctrl.Close()
	first.store.Close()

	second := newHarness(t, nil, path, nil)
	if second.ctrl.IsTracking() {
		t.Fatalf("tracking before configure")
	}
	if err := second.ctrl.Configure(ctx, tracking); err != nil {
		t.Fatalf("configure: %v", err)
	}
	eventually(t, "resurrected worker", second.ctrl.IsTracking)
}

func TestNoResumeWhenStopped(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.db")

	first := newHarness(t, nil, path, nil)
	_ = first.ctrl.Configure(ctx, tracking)
	_ = first.ctrl.StartTrack(ctx)
	_ = first.ctrl.StopTrack(ctx)
	first.ctrl.Close()
	first.store.Close()

	second := newHarness(t, nil, path, nil)
	_ = second.ctrl.Configure(ctx, tracking)
	time.Sleep(60 * time.Millisecond)
	if second.ctrl.IsTracking() || second.ctrl.State() != StateStopped {
		t.Fatalf("worker started without desired flag")
	}
}

func TestPermissionMissingThenGranted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)
	h.granted.Store(false)
	_ = h.ctrl.Configure(ctx, tracking)
	_ = h.ctrl.StartTrack(ctx)

	eventually(t, "permission status", func() bool { return h.statuses.count(status.PermissionRequestFailed) > 0 })
	if h.ctrl.IsTracking() {
		t.Fatalf("tracking without permission")
	}

	h.granted.Store(true)
	eventually(t, "supervisor relaunch", h.ctrl.IsTracking)
}

func TestDisabledProvider(t *testing.T) {
	ctx := context.Background()
	sim := location.NewSimulator(route)
	sim.SetEnabled(false)
	h := newHarness(t, sim, "", nil)
	_ = h.ctrl.Configure(ctx, tracking)
	_ = h.ctrl.StartTrack(ctx)

	eventually(t, "hardware status", func() bool { return h.statuses.count(status.HardwareResolutionFailed) > 0 })
	if h.ctrl.IsTracking() {
		t.Fatalf("tracking with disabled provider")
	}
}

func TestIncorrectPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", func(o *Options) {
		o.Policy = location.Policy{Interval: time.Second, FastestInterval: time.Minute}
	})
	_ = h.ctrl.Configure(ctx, tracking)
	_ = h.ctrl.StartTrack(ctx)
	eventually(t, "policy status", func() bool {
		return h.statuses.count(status.IncorrectLocationRequestParameters) > 0
	})
}

type silentSource struct{}

func (silentSource) RequestUpdates(ctx context.Context, p location.Policy) (<-chan location.Fix, error) {
	ch := make(chan location.Fix)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (silentSource) LastFix(context.Context) (location.Fix, location.Result) {
	return location.Fix{}, location.ResultNotReady
}

func TestNoLocationWarningOncePerSilence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, silentSource{}, "", func(o *Options) {
		o.NoLocationTimeout = 15 * time.Millisecond
	})
	_ = h.ctrl.Configure(ctx, tracking)
	_ = h.ctrl.StartTrack(ctx)

	eventually(t, "no location warning", func() bool {
		return h.statuses.count(status.WarningNoLocationLongTime) == 1
	})
	time.Sleep(80 * time.Millisecond)
	if n := h.statuses.count(status.WarningNoLocationLongTime); n != 1 {
		t.Fatalf("warnings = %d, want 1", n)
	}
}

type panickySource struct{ silentSource }

func (panickySource) RequestUpdates(context.Context, location.Policy) (<-chan location.Fix, error) {
	panic("driver crashed")
}

func TestWorkerFaultStopsTracking(t *testing.T) {
	ctx := context.Background()
	faults := make(chan interface{}, 1)
	h := newHarness(t, panickySource{}, "", func(o *Options) {
		o.FaultHandler = func(v interface{}) {
			select {
			case faults <- v:
			default:
			}
		}
	})
	_ = h.ctrl.Configure(ctx, tracking)
	_ = h.ctrl.StartTrack(ctx)

	select {
	case v := <-faults:
		if v != "driver crashed" {
			t.Fatalf("fault value changed: %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fault not propagated")
	}
	if desiredFlag(t, h.store) || h.ctrl.IsTracking() {
		t.Fatalf("tracking left desired after fault")
	}
}

func TestGuardStopsThenRepanics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)
	_ = h.ctrl.Configure(ctx, tracking)
	_ = h.ctrl.StartTrack(ctx)
	eventually(t, "tracking", h.ctrl.IsTracking)

	var got interface{}
	func() {
		defer func() { got = recover() }()
		defer h.ctrl.Guard()
		panic("host bug")
	}()
	if got != "host bug" {
		t.Fatalf("panic value = %v", got)
	}
	if h.ctrl.IsTracking() || desiredFlag(t, h.store) {
		t.Fatalf("tracking not stopped by guard")
	}
}

func TestInstantLocationWithoutPermissionIsImmediate(t *testing.T) {
	h := newHarness(t, nil, "", nil)
	h.granted.Store(false)

	called := false
	var res location.Result
	h.ctrl.InstantLocation(context.Background(), func(r location.Result, _ location.Fix) {
		called = true
		res = r
	})
	if !called || res != location.ResultPermissionNeeded {
		t.Fatalf("called=%v res=%s", called, res)
	}
}

func TestInstantLocationAsync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)

	results := make(chan location.Result, 2)
	h.ctrl.InstantLocation(ctx, func(r location.Result, _ location.Fix) { results <- r })
	select {
	case r := <-results:
		if r != location.ResultNotReady {
			t.Fatalf("before tracking: %s", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout")
	}

	_ = h.ctrl.Configure(ctx, tracking)
	_ = h.ctrl.StartTrack(ctx)
	eventually(t, "first record", func() bool { return len(h.reporter.sent()) > 0 })
	fix, res := h.ctrl.CurrentLocation(ctx)
	if res != location.ResultOK || !fix.Valid() {
		t.Fatalf("current location = %s %+v", res, fix)
	}
}

func TestProcessorPanicAndRemoval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)
	_ = h.ctrl.Configure(ctx, tracking)

	var good int32
	h.ctrl.AddLocationProcessor(func(location.Fix) { panic("bad processor") })
	id := h.ctrl.AddLocationProcessor(func(location.Fix) { atomic.AddInt32(&good, 1) })

	_ = h.ctrl.StartTrack(ctx)
	eventually(t, "good processor", func() bool { return atomic.LoadInt32(&good) >= 2 })
	if !h.ctrl.IsTracking() {
		t.Fatalf("processor panic must not stop the worker")
	}

	h.ctrl.RemoveLocationProcessor(id)
	time.Sleep(10 * time.Millisecond)
	before := atomic.LoadInt32(&good)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&good) != before {
		t.Fatalf("removed processor still called")
	}
}

func TestStatusCallbackReplay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)
	_ = h.ctrl.Configure(ctx, tracking)
	_ = h.ctrl.StartTrack(ctx)
	eventually(t, "started", func() bool { return h.statuses.count(status.ServiceStarted) == 1 })

	late := make(chan status.Code, 4)
	handle := h.ctrl.AddStatusCallback(func(c status.Code) { late <- c }, true)
	select {
	case c := <-late:
		if c != status.ServiceStarted {
			t.Fatalf("replayed %s", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("no replay")
	}
	h.ctrl.RemoveStatusCallback(handle)
}

func TestStopTrackFromProcessor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)
	_ = h.ctrl.Configure(ctx, tracking)

	var once sync.Once
	stopped := make(chan error, 1)
	h.ctrl.AddLocationProcessor(func(location.Fix) {
		once.Do(func() { stopped <- h.ctrl.StopTrack(ctx) })
	})
	if err := h.ctrl.StartTrack(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop from processor: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("StopTrack called from a processor did not return")
	}
	if h.ctrl.IsTracking() || desiredFlag(t, h.store) {
		t.Fatalf("still tracking after stop from processor")
	}

	// el controlador sigue usable
	if err := h.ctrl.StartTrack(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	eventually(t, "tracking again", h.ctrl.IsTracking)
}

func TestCloseFromProcessor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)
	_ = h.ctrl.Configure(ctx, tracking)

	var once sync.Once
	closed := make(chan struct{})
	h.ctrl.AddLocationProcessor(func(location.Fix) {
		once.Do(func() {
			h.ctrl.Close()
			close(closed)
		})
	})
	_ = h.ctrl.StartTrack(ctx)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close called from a processor did not return")
	}
	if h.ctrl.State() != StateStopped {
		t.Fatalf("state after close = %s", h.ctrl.State())
	}
	// Close no toca la intención durable
	if !desiredFlag(t, h.store) {
		t.Fatalf("close must keep the desired flag")
	}
}

func TestConfigureOnlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "", nil)
	if err := h.ctrl.Configure(ctx, tracking); err != nil {
		t.Fatalf("configure: %v", err)
	}
	other := config.Tracking{RiderID: 99, APIKey: "other"}
	if err := h.ctrl.Configure(ctx, other); !errors.Is(err, ErrAlreadyConfigured) {
		t.Fatalf("expected ErrAlreadyConfigured, got %v", err)
	}
	if got := h.ctrl.Settings(); got.RiderID != 42 || got.APIKey != "k-42" {
		t.Fatalf("settings changed: %+v", got)
	}
}
