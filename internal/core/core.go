// Package core implements the profile-mediation core: probing and binding
// exactly one hardware driver, arbitrating between user requests,
// hardware-initiated transitions and inhibition policy, and publishing the
// result as a coalesced set of property changes.
//
// Everything that mutates state runs on a single goroutine (Core.Run):
// external callers never touch driver/action state directly, they post a
// command and wait for its result.
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/hadess/power-profiles-daemon/internal/action"
	"github.com/hadess/power-profiles-daemon/internal/driver"
	"github.com/hadess/power-profiles-daemon/internal/profile"
)

// Reason classifies why a profile transition was requested.
type Reason int

const (
	ReasonUser Reason = iota
	ReasonInternal
	ReasonInhibition
	ReasonReset
)

func (r Reason) String() string {
	switch r {
	case ReasonUser:
		return "user"
	case ReasonInternal:
		return "internal"
	case ReasonInhibition:
		return "inhibition"
	case ReasonReset:
		return "reset"
	default:
		return "unknown"
	}
}

// PropertyMask identifies which of the four IPC properties changed in a
// single coalesced notification.
type PropertyMask uint8

const (
	PropActiveProfile PropertyMask = 1 << iota
	PropInhibited
	PropProfiles
	PropActions
)

const PropAll = PropActiveProfile | PropInhibited | PropProfiles | PropActions

// Notifier is implemented by the IPC layer to receive coalesced property
// change notifications. NotifyPropertiesChanged must not block; it is
// called from the core's own run loop, with the snapshot already taken —
// the state it describes is committed by the time this fires — so
// implementations must use snap directly rather than calling back into
// Core.Snapshot — doing so would try to re-enter the single-goroutine run
// loop that is, at that moment, still executing this very call.
type Notifier interface {
	NotifyPropertiesChanged(mask PropertyMask, snap Snapshot)
}

// ProfileEntry is one row of the Profiles IPC property.
type ProfileEntry struct {
	Profile string
	Driver  string
}

// Snapshot is a point-in-time, safe-to-share copy of the four IPC
// properties.
type Snapshot struct {
	ActiveProfile        string
	PerformanceInhibited string
	Profiles             []ProfileEntry
	Actions              []string
}

// Sentinel errors mapped to D-Bus error names by internal/dbusiface.
var (
	// ErrInvalidProfile: SetActiveProfile was given an unparsable name.
	ErrInvalidProfile = errors.New("invalid profile")
	// ErrProfileInhibited: SetActiveProfile(performance) while inhibited.
	ErrProfileInhibited = errors.New("profile inhibited")
	// ErrMissingMandatoryDrivers: no probed driver covers Balanced, which
	// every transition path must be able to target. A packaging bug, fatal
	// at startup. See hasRequiredDrivers for why PowerSaver isn't gated
	// here too.
	ErrMissingMandatoryDrivers = errors.New("no driver covers the mandatory balanced profile")
)

// Registry is the compiled-in, ordered list of driver and action
// constructors probed at startup. Drivers and actions are registered in
// two typed lists so the probe loop needs no runtime type checks.
type Registry struct {
	Drivers []driver.Constructor
	Actions []action.Constructor
}

// boundDriver tracks a driver that completed Probe with ProbeOK. Its
// Events() channel is relayed into the core's event loop by
// forwardDriverEvents until quit is closed at teardown.
type boundDriver struct {
	driver.Driver
	quit chan struct{}
}

// deferredDriver tracks a driver that returned ProbeDefer. Its
// ProbeRequests() channel is relayed by forwardProbeRequests until quit is
// closed at teardown.
type deferredDriver struct {
	driver.Driver
	quit chan struct{}
}

// Core owns the daemon's mutable state and serializes every mutation
// through the run loop.
type Core struct {
	logger   hclog.Logger
	registry Registry
	notifier Notifier

	commands chan func()
	events   chan coreEvent
	stop     chan struct{}
	stopped  chan struct{}
	ready    chan struct{}

	// state, touched only from run().
	activeProfile profile.Profile
	bound         *boundDriver
	actions       []action.Action
	deferred      map[*deferredDriver]struct{}
	started       bool
}

type coreEventKind int

const (
	eventDriverChanged coreEventKind = iota
	eventInhibitionChanged
	eventProbeRequest
)

type coreEvent struct {
	kind    coreEventKind
	driver  driver.Driver
	profile profile.Profile
	// deferredSrc identifies which deferredDriver fired eventProbeRequest,
	// since deferred drivers aren't tracked by pointer identity elsewhere.
	deferredSrc *deferredDriver
}

// New constructs a Core with the given compiled-in registry. The active
// profile starts out as Balanced until a probed driver says otherwise.
func New(logger hclog.Logger, registry Registry, notifier Notifier) *Core {
	return &Core{
		logger:        logger.Named("core"),
		registry:      registry,
		notifier:      notifier,
		commands:      make(chan func()),
		events:        make(chan coreEvent, 16),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		ready:         make(chan struct{}),
		activeProfile: profile.Balanced,
		deferred:      make(map[*deferredDriver]struct{}),
	}
}

// SetNotifier installs the IPC layer's Notifier after construction, for
// callers that must build the core before the object that will notify on
// its behalf exists (the D-Bus service needs a *Core to export, and the
// core needs a Notifier — main wires the cycle with this setter). Must be
// called before Run; it is not safe to call concurrently with Run.
func (c *Core) SetNotifier(notifier Notifier) {
	c.notifier = notifier
}

// Run executes the core's event loop until ctx is cancelled or Stop is
// called. It probes the driver/action registry once before entering the
// loop.
func (c *Core) Run(ctx context.Context) error {
	defer close(c.stopped)

	if err := c.startProfileDrivers(ctx); err != nil {
		c.stopProfileDrivers()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			c.stopProfileDrivers()
			return nil
		case <-c.stop:
			c.stopProfileDrivers()
			return nil
		case cmd := <-c.commands:
			cmd()
		case ev := <-c.events:
			if err := c.handleEvent(ctx, ev); err != nil {
				c.stopProfileDrivers()
				return err
			}
		}
	}
}

// Stop requests the run loop to exit and tear down all drivers/actions.
func (c *Core) Stop() {
	close(c.stop)
	<-c.stopped
}

// do posts fn to the run loop and blocks until it has executed, giving
// external callers (the D-Bus layer) the same serialization guarantee
// in-loop code gets for free. After the loop has exited fn is never run;
// late callers get the zero value back instead of blocking forever.
func (c *Core) do(fn func()) {
	done := make(chan struct{})
	select {
	case c.commands <- func() {
		fn()
		close(done)
	}:
	case <-c.stopped:
		return
	}
	<-done
}

// Snapshot returns the current value of all four IPC properties. Because
// it is serialized through the run loop, a reader sampling immediately
// after a notification observes the notified values.
func (c *Core) Snapshot() Snapshot {
	var s Snapshot
	c.do(func() {
		s = c.snapshotLocked()
	})
	return s
}

func (c *Core) snapshotLocked() Snapshot {
	s := Snapshot{ActiveProfile: c.activeProfile.String()}
	if c.bound != nil {
		s.PerformanceInhibited = c.performanceInhibitedLocked()
		for _, p := range profile.Ordered {
			if c.bound.SupportedProfiles().Contains(p) {
				s.Profiles = append(s.Profiles, ProfileEntry{Profile: p.String(), Driver: c.bound.Name()})
			}
		}
	}
	for _, a := range c.actions {
		s.Actions = append(s.Actions, a.Name())
	}
	return s
}

func (c *Core) performanceInhibitedLocked() string {
	if c.bound == nil || !c.bound.SupportedProfiles().Contains(profile.Performance) {
		return ""
	}
	return c.bound.PerformanceInhibitedReason()
}

// SetActiveProfile handles a client's request to switch profiles.
func (c *Core) SetActiveProfile(ctx context.Context, name string) error {
	var resultErr error
	c.do(func() {
		resultErr = c.setActiveProfileLocked(ctx, name)
	})
	return resultErr
}

func (c *Core) setActiveProfileLocked(ctx context.Context, name string) error {
	target := profile.Parse(name)
	if target == profile.Unset {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, name)
	}

	if target == profile.Performance && c.performanceInhibitedLocked() != "" {
		return fmt.Errorf("%w: %s", ErrProfileInhibited, c.performanceInhibitedLocked())
	}

	// Requesting the already-active profile is a no-op: no driver or
	// action calls, no notification.
	if target == c.activeProfile {
		return nil
	}

	c.logger.Debug("transitioning active profile by user request",
		"from", c.activeProfile, "to", target)

	c.activateTargetProfileLocked(ctx, target, ReasonUser)
	c.publish(PropActiveProfile)
	return nil
}

// activateTargetProfileLocked writes the hardware, runs every action, and
// commits the new active profile — in that order, and all the way through
// even when the hardware write failed, so the actions never go stale.
func (c *Core) activateTargetProfileLocked(ctx context.Context, target profile.Profile, reason Reason) {
	c.logger.Debug("activating target profile",
		"target", target, "reason", reason, "current", c.activeProfile)

	if c.bound != nil {
		if err := c.bound.Activate(ctx, target); err != nil {
			c.logger.Warn("driver failed to activate profile",
				"driver", c.bound.Name(), "profile", target, "error", err)
		}
	}

	for _, a := range c.actions {
		if err := a.Activate(ctx, target); err != nil {
			c.logger.Warn("action failed to activate profile",
				"action", a.Name(), "profile", target, "error", err)
		}
	}

	c.activeProfile = target
}

func (c *Core) publish(mask PropertyMask) {
	if c.notifier == nil || mask == 0 {
		return
	}
	c.notifier.NotifyPropertiesChanged(mask, c.snapshotLocked())
}

// handleEvent dispatches a driver-sourced event. A non-nil error means
// the daemon can no longer satisfy the mandatory-driver invariant and
// must exit nonzero.
func (c *Core) handleEvent(ctx context.Context, ev coreEvent) error {
	switch ev.kind {
	case eventDriverChanged:
		c.onDriverProfileChanged(ctx, ev.driver, ev.profile)
	case eventInhibitionChanged:
		c.onInhibitionChanged(ctx, ev.driver)
	case eventProbeRequest:
		return c.onProbeRequest(ctx, ev.deferredSrc)
	}
	return nil
}

func (c *Core) onDriverProfileChanged(ctx context.Context, d driver.Driver, newProfile profile.Profile) {
	if c.bound == nil || d != c.bound.Driver {
		return // stale event from a driver we've since torn down
	}
	if !c.bound.SupportedProfiles().Contains(newProfile) {
		c.logger.Warn("driver reported a profile outside its supported mask, ignoring",
			"driver", d.Name(), "profile", newProfile)
		return
	}

	c.logger.Debug("driver switched internally",
		"driver", d.Name(), "profile", newProfile, "current", c.activeProfile)

	if newProfile == c.activeProfile {
		return
	}

	c.activateTargetProfileLocked(ctx, newProfile, ReasonInternal)
	c.publish(PropActiveProfile)
}

func (c *Core) onInhibitionChanged(ctx context.Context, d driver.Driver) {
	if c.bound == nil || d != c.bound.Driver {
		return
	}
	if !c.bound.SupportedProfiles().Contains(profile.Performance) {
		c.logger.Warn("ignored performance-inhibited change on a non-performance driver",
			"driver", d.Name())
		return
	}

	c.publish(PropInhibited)

	if c.performanceInhibitedLocked() == "" {
		return
	}
	if c.activeProfile != profile.Performance {
		return
	}

	// Demote. Re-enabling performance once inhibition clears is
	// intentionally not automatic: the user must request it again.
	c.activateTargetProfileLocked(ctx, profile.Balanced, ReasonInhibition)
	c.publish(PropActiveProfile)
}

func (c *Core) onProbeRequest(ctx context.Context, src *deferredDriver) error {
	if _, ok := c.deferred[src]; !ok {
		return nil
	}
	c.logger.Debug("deferred driver requested re-probe", "driver", src.Name())
	c.stopProfileDrivers()
	if err := c.startProfileDrivers(ctx); err != nil {
		c.logger.Error("exiting because a non recoverable error occurred during re-probe", "error", err)
		return err
	}
	return nil
}

// forwardDriverEvents relays a bound driver's Events() channel into the
// core's single event queue until quit is closed at teardown (or the
// driver closes its channel, whichever comes first).
func (c *Core) forwardDriverEvents(d driver.Driver, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case ev, ok := <-d.Events():
			if !ok {
				return
			}
			var ce coreEvent
			switch ev.Kind {
			case driver.EventProfileChanged:
				ce = coreEvent{kind: eventDriverChanged, driver: d, profile: ev.Profile}
			case driver.EventInhibitionChanged:
				ce = coreEvent{kind: eventInhibitionChanged, driver: d}
			default:
				continue
			}
			select {
			case c.events <- ce:
			case <-quit:
				return
			}
		}
	}
}

// forwardProbeRequests relays a deferred driver's ProbeRequests() channel.
func (c *Core) forwardProbeRequests(dd *deferredDriver) {
	ch := dd.ProbeRequests()
	if ch == nil {
		return
	}
	for {
		select {
		case <-dd.quit:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			select {
			case c.events <- coreEvent{kind: eventProbeRequest, deferredSrc: dd}:
			case <-dd.quit:
				return
			}
		}
	}
}

// stopProfileDrivers tears down the bound driver, all actions and all
// deferred drivers.
func (c *Core) stopProfileDrivers() {
	for dd := range c.deferred {
		close(dd.quit)
		if err := dd.Close(); err != nil {
			c.logger.Warn("error closing deferred driver", "driver", dd.Name(), "error", err)
		}
	}
	c.deferred = make(map[*deferredDriver]struct{})

	// Actions have no Close in the contract: they hold no resources that
	// outlive a single Activate call.
	c.actions = nil

	if c.bound != nil {
		close(c.bound.quit)
		if err := c.bound.Close(); err != nil {
			c.logger.Warn("error closing driver", "driver", c.bound.Name(), "error", err)
		}
		c.bound = nil
	}
}

// startProfileDrivers walks the registry in order: the first driver whose
// probe succeeds is bound, deferring drivers are parked for a later
// re-probe, and every action that probes true joins the action list.
func (c *Core) startProfileDrivers(ctx context.Context) error {
	prevProfile := c.activeProfile

	for _, newDriver := range c.registry.Drivers {
		d := newDriver(c.logger)
		dlog := c.logger.Named("driver." + d.Name())

		if c.bound != nil {
			dlog.Debug("driver already bound, skipping candidate", "already", c.bound.Name())
			continue
		}

		if d.SupportedProfiles()&profile.All == 0 {
			dlog.Warn("driver implements no valid profiles, skipping", "mask", d.SupportedProfiles())
			continue
		}

		result := d.Probe(ctx, &prevProfile)
		switch result {
		case driver.ProbeFail:
			dlog.Debug("probe failed, skipping")
			continue
		case driver.ProbeDefer:
			dlog.Debug("probe deferred")
			dd := &deferredDriver{Driver: d, quit: make(chan struct{})}
			c.deferred[dd] = struct{}{}
			go c.forwardProbeRequests(dd)
			continue
		case driver.ProbeOK:
			dlog.Debug("probe succeeded, binding")
			c.bound = &boundDriver{Driver: d, quit: make(chan struct{})}
			go c.forwardDriverEvents(d, c.bound.quit)
		}
	}

	for _, newAction := range c.registry.Actions {
		a := newAction(c.logger)
		alog := c.logger.Named("action." + a.Name())
		if !a.Probe(ctx) {
			alog.Debug("probe failed, skipping")
			continue
		}
		alog.Debug("probe succeeded")
		c.actions = append(c.actions, a)
	}

	if !c.hasRequiredDrivers() {
		return ErrMissingMandatoryDrivers
	}

	if prevProfile != c.activeProfile {
		c.logger.Debug("using probed driver's current profile as starting point", "profile", prevProfile)
		c.activeProfile = prevProfile
	}

	c.activateTargetProfileLocked(ctx, c.activeProfile, ReasonReset)
	c.publish(PropAll)
	if !c.started {
		c.started = true
		close(c.ready)
	}

	return nil
}

// hasRequiredDrivers checks that the bound driver covers Balanced, the one
// profile every caller (including the inhibition-forced demotion path) can
// unconditionally target. PowerSaver is expected of real hardware drivers
// but is deliberately not gated here: the placeholder catch-all exposes
// only Balanced, and requiring PowerSaver would make every machine without
// a matching hardware driver fail startup instead of falling back.
func (c *Core) hasRequiredDrivers() bool {
	if c.bound == nil {
		return false
	}
	return c.bound.SupportedProfiles().Contains(profile.Balanced)
}

// Started reports whether a valid driver set has been installed at least
// once, used to decide whether losing the bus name is a fatal condition
// or a clean handover.
func (c *Core) Started() bool {
	var started bool
	c.do(func() { started = c.started })
	return started
}

// Ready is closed once the first call to startProfileDrivers has
// succeeded, letting callers of Run wait for startup to complete (or
// observe Run's return value if it failed first) without polling.
func (c *Core) Ready() <-chan struct{} {
	return c.ready
}
