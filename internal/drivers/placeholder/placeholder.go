// Package placeholder implements the catch-all driver that binds when no
// hardware-specific driver claimed the machine. It must always be the
// last entry in the compiled-in registry: the core only reaches its
// Probe call if every earlier candidate failed or deferred.
package placeholder

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/hadess/power-profiles-daemon/internal/driver"
	"github.com/hadess/power-profiles-daemon/internal/profile"
)

const driverName = "placeholder"

// Driver exposes only Balanced: with no hardware backing a profile switch,
// pretending to support power-saver or performance would just mislead a
// client into thinking the request did something.
type Driver struct {
	logger hclog.Logger
	events chan driver.Event
}

// New is a driver.Constructor.
func New(logger hclog.Logger) driver.Driver {
	return &Driver{
		logger: logger,
		events: make(chan driver.Event),
	}
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) SupportedProfiles() profile.Profile { return profile.Balanced }

// Probe always succeeds: the registry ordering, not this driver, is what
// makes it a last resort.
func (d *Driver) Probe(ctx context.Context, preferred *profile.Profile) driver.ProbeResult {
	*preferred = profile.Balanced
	return driver.ProbeOK
}

// Activate is a no-op; there is no hardware to write to.
func (d *Driver) Activate(ctx context.Context, p profile.Profile) error {
	return nil
}

func (d *Driver) PerformanceInhibitedReason() string { return "" }

func (d *Driver) Events() <-chan driver.Event { return d.events }

func (d *Driver) ProbeRequests() <-chan struct{} { return nil }

func (d *Driver) Close() error {
	close(d.events)
	return nil
}
