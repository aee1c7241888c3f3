// Package driver defines the capability contract every hardware profile
// backend must satisfy: a plain interface for probing and activation plus
// an observer channel for hardware-initiated changes.
package driver

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/hadess/power-profiles-daemon/internal/profile"
)

// ProbeResult is the outcome of Driver.Probe.
type ProbeResult int

const (
	// ProbeFail means the hardware for this driver could not be found; the
	// core discards the candidate and moves on.
	ProbeFail ProbeResult = iota
	// ProbeOK means the driver is ready to bind.
	ProbeOK
	// ProbeDefer means the hardware isn't present yet but may appear later;
	// the core subscribes to Driver.ProbeRequests() and restarts the whole
	// probe sequence when it fires.
	ProbeDefer
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeOK:
		return "ok"
	case ProbeDefer:
		return "defer"
	default:
		return "fail"
	}
}

// Event is published by a bound driver when something changes that the
// core did not itself initiate.
type Event struct {
	// Kind distinguishes the two event types a driver may emit.
	Kind EventKind
	// Profile carries the new profile for EventProfileChanged.
	Profile profile.Profile
}

// EventKind identifies the semantics of an Event.
type EventKind int

const (
	// EventProfileChanged: hardware moved to Profile out from under us
	// (hotkey, firmware policy).
	EventProfileChanged EventKind = iota
	// EventInhibitionChanged: PerformanceInhibitedReason() has a new value;
	// read it again, Event.Profile is unset.
	EventInhibitionChanged
)

// Driver is the capability contract of a single hardware profile backend.
//
// Lifecycle: Unprobed -> Probing -> {Ready, Deferred, Rejected}; Deferred ->
// Probing on an external probe-request; Ready is terminal until Close.
type Driver interface {
	// Name is the stable identifier of this driver, constant for its
	// lifetime (e.g. "platform_profile", "intel_pstate", "lenovo_dytc").
	Name() string

	// SupportedProfiles is a nonempty subset of profile.All. A driver that
	// does not include profile.Performance must never report a nonempty
	// inhibition reason.
	SupportedProfiles() profile.Profile

	// Probe attempts to bind to hardware. preferred is the core's current
	// best guess at the initial active profile (usually the last active
	// profile, or profile.Balanced at first startup); the driver may read
	// hardware state and overwrite *preferred with what it actually found.
	Probe(ctx context.Context, preferred *profile.Profile) ProbeResult

	// Activate applies profile p to the hardware. Precondition: p is in
	// SupportedProfiles() and p.HasSingleFlag(). Must be idempotent:
	// activating the already-active profile must be a safe no-op from the
	// caller's perspective, though the driver itself may still perform
	// the write.
	Activate(ctx context.Context, p profile.Profile) error

	// PerformanceInhibitedReason returns the empty string when performance
	// is not inhibited, or a short machine-readable token (e.g.
	// "lap-detected") when it is.
	PerformanceInhibitedReason() string

	// Events returns the channel this driver publishes Event values on for
	// as long as it is bound. The core subscribes at bind time and stops
	// reading at teardown on its own; a driver may close the channel from
	// Close once it can guarantee no goroutine of its own will send again,
	// but is not required to.
	Events() <-chan Event

	// ProbeRequests returns the channel a Deferred driver signals on when
	// its hardware has become available and the whole probe sequence
	// should restart. Drivers that never defer may return nil.
	ProbeRequests() <-chan struct{}

	// Close releases any resources (file handles, attribute monitors,
	// input device watches) acquired during Probe. Called during
	// stop_profile_drivers for both bound and deferred drivers.
	Close() error
}

// Constructor builds a fresh, unprobed Driver instance. The compiled-in
// core.Registry (built in cmd/power-profiles-daemon) holds one Constructor
// per candidate driver, in probe order.
type Constructor func(logger hclog.Logger) Driver
