package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hadess/power-profiles-daemon/internal/action"
	"github.com/hadess/power-profiles-daemon/internal/driver"
	"github.com/hadess/power-profiles-daemon/internal/profile"
)

// testDriver is a fully in-memory driver.Driver used to exercise the core
// state machine without touching real hardware.
type testDriver struct {
	name      string
	supported profile.Profile
	probeFn   func(preferred *profile.Profile) driver.ProbeResult

	mu        sync.Mutex
	inhibited string
	activated []profile.Profile
	failNext  bool

	events        chan driver.Event
	probeRequests chan struct{}
	closed        bool
}

func newTestDriver(name string, supported profile.Profile) *testDriver {
	return &testDriver{
		name:          name,
		supported:     supported,
		events:        make(chan driver.Event, 4),
		probeRequests: make(chan struct{}, 1),
	}
}

func (d *testDriver) Name() string                       { return d.name }
func (d *testDriver) SupportedProfiles() profile.Profile { return d.supported }
func (d *testDriver) Events() <-chan driver.Event        { return d.events }
func (d *testDriver) ProbeRequests() <-chan struct{}     { return d.probeRequests }

func (d *testDriver) Probe(ctx context.Context, preferred *profile.Profile) driver.ProbeResult {
	if d.probeFn != nil {
		return d.probeFn(preferred)
	}
	return driver.ProbeOK
}

func (d *testDriver) Activate(ctx context.Context, p profile.Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activated = append(d.activated, p)
	if d.failNext {
		d.failNext = false
		return context.DeadlineExceeded
	}
	return nil
}

func (d *testDriver) PerformanceInhibitedReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inhibited
}

func (d *testDriver) setInhibited(reason string) {
	d.mu.Lock()
	d.inhibited = reason
	d.mu.Unlock()
	d.events <- driver.Event{Kind: driver.EventInhibitionChanged}
}

func (d *testDriver) activatedCalls() []profile.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]profile.Profile, len(d.activated))
	copy(out, d.activated)
	return out
}

func (d *testDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
		close(d.probeRequests)
	}
	return nil
}

type testAction struct {
	name      string
	activated []profile.Profile
	mu        sync.Mutex
}

func (a *testAction) Name() string                   { return a.name }
func (a *testAction) Probe(ctx context.Context) bool { return true }
func (a *testAction) Activate(ctx context.Context, p profile.Profile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activated = append(a.activated, p)
	return nil
}

type testNotifier struct {
	mu        sync.Mutex
	masks     []PropertyMask
	snapshots []Snapshot
	notified  chan struct{}
}

func newTestNotifier() *testNotifier {
	return &testNotifier{notified: make(chan struct{}, 64)}
}

func (n *testNotifier) NotifyPropertiesChanged(mask PropertyMask, snap Snapshot) {
	n.mu.Lock()
	n.masks = append(n.masks, mask)
	n.snapshots = append(n.snapshots, snap)
	n.mu.Unlock()
	n.notified <- struct{}{}
}

func (n *testNotifier) waitForNotification(t *testing.T) {
	t.Helper()
	select {
	case <-n.notified:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for property change notification")
	}
}

func startCore(t *testing.T, reg Registry) (*Core, *testNotifier) {
	t.Helper()
	notifier := newTestNotifier()
	c := New(hclog.NewNullLogger(), reg, notifier)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Drain the startup PropAll notification.
	notifier.waitForNotification(t)
	return c, notifier
}

func driverConstructor(d *testDriver) driver.Constructor {
	return func(hclog.Logger) driver.Driver { return d }
}

func actionConstructor(a *testAction) action.Constructor {
	return func(hclog.Logger) action.Action { return a }
}

func TestDefaultPathPlaceholderBinds(t *testing.T) {
	placeholder := newTestDriver("placeholder", profile.Balanced)
	reg := Registry{Drivers: []driver.Constructor{driverConstructor(placeholder)}}
	c, _ := startCore(t, reg)

	snap := c.Snapshot()
	require.Equal(t, "balanced", snap.ActiveProfile)
	require.Equal(t, "", snap.PerformanceInhibited)
	require.Equal(t, []ProfileEntry{{Profile: "balanced", Driver: "placeholder"}}, snap.Profiles)
	require.Empty(t, snap.Actions)
}

func TestUserSwitch(t *testing.T) {
	d := newTestDriver("platform-profile", profile.All)
	reg := Registry{Drivers: []driver.Constructor{driverConstructor(d)}}
	c, notifier := startCore(t, reg)

	err := c.SetActiveProfile(context.Background(), "performance")
	require.NoError(t, err)
	notifier.waitForNotification(t)

	snap := c.Snapshot()
	require.Equal(t, "performance", snap.ActiveProfile)
	require.Equal(t, []profile.Profile{profile.Balanced, profile.Performance}, d.activatedCalls())
}

func TestInhibitionForcesDemotion(t *testing.T) {
	d := newTestDriver("lenovo-dytc", profile.All)
	reg := Registry{Drivers: []driver.Constructor{driverConstructor(d)}}
	c, notifier := startCore(t, reg)

	require.NoError(t, c.SetActiveProfile(context.Background(), "performance"))
	notifier.waitForNotification(t)

	d.setInhibited("lap-detected")
	notifier.waitForNotification(t) // PropInhibited
	notifier.waitForNotification(t) // PropActiveProfile (demotion)

	snap := c.Snapshot()
	require.Equal(t, "balanced", snap.ActiveProfile)
	require.Equal(t, "lap-detected", snap.PerformanceInhibited)

	err := c.SetActiveProfile(context.Background(), "performance")
	require.ErrorIs(t, err, ErrProfileInhibited)

	snap = c.Snapshot()
	require.Equal(t, "balanced", snap.ActiveProfile, "rejected request must not mutate active profile")
}

func TestInhibitionClearDoesNotRestorePerformance(t *testing.T) {
	d := newTestDriver("lenovo-dytc", profile.All)
	reg := Registry{Drivers: []driver.Constructor{driverConstructor(d)}}
	c, notifier := startCore(t, reg)

	require.NoError(t, c.SetActiveProfile(context.Background(), "performance"))
	notifier.waitForNotification(t)

	d.setInhibited("lap-detected")
	notifier.waitForNotification(t)
	notifier.waitForNotification(t)

	d.setInhibited("")
	notifier.waitForNotification(t)

	snap := c.Snapshot()
	require.Equal(t, "balanced", snap.ActiveProfile, "clearing inhibition must not auto-restore performance")
}

func TestHardwareHotkeyInternalChange(t *testing.T) {
	d := newTestDriver("intel-pstate", profile.All)
	reg := Registry{Drivers: []driver.Constructor{driverConstructor(d)}}
	c, notifier := startCore(t, reg)

	d.events <- driver.Event{Kind: driver.EventProfileChanged, Profile: profile.PowerSaver}
	notifier.waitForNotification(t)

	snap := c.Snapshot()
	require.Equal(t, "power-saver", snap.ActiveProfile)
	// The core must not have issued its own Activate call for a hardware-
	// initiated change: only the initial ReasonReset activation (to
	// "balanced") should be recorded.
	require.Equal(t, []profile.Profile{profile.Balanced}, d.activatedCalls())
}

func TestInvalidProfileRequest(t *testing.T) {
	d := newTestDriver("placeholder", profile.PowerSaver|profile.Balanced)
	reg := Registry{Drivers: []driver.Constructor{driverConstructor(d)}}
	c, _ := startCore(t, reg)

	err := c.SetActiveProfile(context.Background(), "turbo")
	require.ErrorIs(t, err, ErrInvalidProfile)

	snap := c.Snapshot()
	require.Equal(t, "balanced", snap.ActiveProfile)
}

func TestProbeOrderingFirstWinnerOnly(t *testing.T) {
	first := newTestDriver("first", profile.All)
	second := newTestDriver("second", profile.All)
	reg := Registry{Drivers: []driver.Constructor{driverConstructor(first), driverConstructor(second)}}
	c, _ := startCore(t, reg)

	require.NoError(t, c.SetActiveProfile(context.Background(), "performance"))

	require.NotEmpty(t, first.activatedCalls())
	require.Empty(t, second.activatedCalls(), "later driver candidates must never be activated")
}

func TestMissingMandatoryDriversIsFatal(t *testing.T) {
	onlyPerformance := newTestDriver("fake", profile.Performance)
	reg := Registry{Drivers: []driver.Constructor{driverConstructor(onlyPerformance)}}

	c := New(hclog.NewNullLogger(), reg, newTestNotifier())
	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrMissingMandatoryDrivers)
}

func TestRequestingActiveProfileIsIdempotent(t *testing.T) {
	d := newTestDriver("platform-profile", profile.All)
	reg := Registry{Drivers: []driver.Constructor{driverConstructor(d)}}
	c, notifier := startCore(t, reg)

	require.NoError(t, c.SetActiveProfile(context.Background(), "balanced"))

	snap := c.Snapshot()
	require.Equal(t, "balanced", snap.ActiveProfile)
	// Only the startup Reset activation reaches the driver; re-requesting
	// the active profile performs no new write and emits no notification.
	require.Equal(t, []profile.Profile{profile.Balanced}, d.activatedCalls())
	select {
	case <-notifier.notified:
		t.Fatal("no notification expected for a request to the already-active profile")
	default:
	}
}

func TestDriverFailureStillCommitsAndRunsActions(t *testing.T) {
	d := newTestDriver("platform-profile", profile.All)
	act := &testAction{name: "trickle-charge"}
	reg := Registry{
		Drivers: []driver.Constructor{driverConstructor(d)},
		Actions: []action.Constructor{actionConstructor(act)},
	}
	c, _ := startCore(t, reg)

	d.failNext = true
	require.NoError(t, c.SetActiveProfile(context.Background(), "power-saver"))

	snap := c.Snapshot()
	require.Equal(t, "power-saver", snap.ActiveProfile, "active_profile must commit even if the driver write failed")
	require.Contains(t, act.activated, profile.PowerSaver, "actions must still run after a driver failure")
}

func TestActionsPublishedInProbeOrder(t *testing.T) {
	d := newTestDriver("placeholder", profile.PowerSaver|profile.Balanced)
	a1 := &testAction{name: "trickle-charge"}
	a2 := &testAction{name: "second-action"}
	reg := Registry{
		Drivers: []driver.Constructor{driverConstructor(d)},
		Actions: []action.Constructor{actionConstructor(a1), actionConstructor(a2)},
	}
	c, _ := startCore(t, reg)

	snap := c.Snapshot()
	require.Equal(t, []string{"trickle-charge", "second-action"}, snap.Actions)
}

func TestDeferredProbeRestartsSequence(t *testing.T) {
	// driver.Constructor is expected to be called fresh on every probe
	// sequence, so the test constructor hands out a new *testDriver each
	// time while sharing the attempt counter across instances.
	attempt := 0
	var instances []*testDriver
	lenovoDytcCtor := func(hclog.Logger) driver.Driver {
		attempt++
		d := newTestDriver("lenovo-dytc", profile.All)
		thisAttempt := attempt
		d.probeFn = func(preferred *profile.Profile) driver.ProbeResult {
			if thisAttempt == 1 {
				return driver.ProbeDefer
			}
			return driver.ProbeOK
		}
		instances = append(instances, d)
		return d
	}

	placeholder := newTestDriver("placeholder", profile.Balanced)
	reg := Registry{Drivers: []driver.Constructor{lenovoDytcCtor, driverConstructor(placeholder)}}
	c, notifier := startCore(t, reg)

	snap := c.Snapshot()
	require.Equal(t, "placeholder", snap.Profiles[0].Driver, "placeholder must bind while lenovo-dytc is deferred")

	instances[0].probeRequests <- struct{}{}
	notifier.waitForNotification(t) // PropAll republished after rebind

	snap = c.Snapshot()
	require.Equal(t, "lenovo-dytc", snap.Profiles[0].Driver)
	require.Equal(t, "balanced", snap.ActiveProfile, "preferred initial profile carries across the re-probe")
}

func TestDeferredReprobeFailureStopsTheDaemon(t *testing.T) {
	var deferred *testDriver
	defAttempt := 0
	defCtor := func(hclog.Logger) driver.Driver {
		defAttempt++
		d := newTestDriver("deferring", profile.All)
		attempt := defAttempt
		d.probeFn = func(*profile.Profile) driver.ProbeResult {
			if attempt == 1 {
				return driver.ProbeDefer
			}
			return driver.ProbeFail
		}
		if attempt == 1 {
			deferred = d
		}
		return d
	}
	phAttempt := 0
	phCtor := func(hclog.Logger) driver.Driver {
		phAttempt++
		d := newTestDriver("placeholder", profile.Balanced)
		attempt := phAttempt
		d.probeFn = func(*profile.Profile) driver.ProbeResult {
			if attempt == 1 {
				return driver.ProbeOK
			}
			return driver.ProbeFail
		}
		return d
	}

	notifier := newTestNotifier()
	c := New(hclog.NewNullLogger(), Registry{Drivers: []driver.Constructor{defCtor, phCtor}}, notifier)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	notifier.waitForNotification(t)

	deferred.probeRequests <- struct{}{}

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrMissingMandatoryDrivers)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop should exit after a failed re-probe")
	}
}
