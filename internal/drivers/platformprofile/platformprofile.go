// Package platformprofile implements the driver for the kernel's generic
// platform_profile ACPI interface: a single sysfs attribute advertising
// and accepting a firmware-defined list of profile names. It is the
// preferred driver whenever the firmware exposes it, ahead of the
// vendor-specific drivers.
package platformprofile

import (
	"context"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/hadess/power-profiles-daemon/internal/driver"
	"github.com/hadess/power-profiles-daemon/internal/profile"
	"github.com/hadess/power-profiles-daemon/internal/sysfsutil"
)

const (
	driverName      = "platform_profile"
	attrProfile     = "platform_profile"
	attrChoices     = "platform_profile_choices"
	acpiPlatformDir = "firmware/acpi/platform_profile"
)

// Driver wraps the /sys/firmware/acpi/platform_profile attribute pair.
type Driver struct {
	logger hclog.Logger

	sysfsPath string
	supported profile.Profile

	monitor   *sysfsutil.AttrMonitor
	events    chan driver.Event
	stop      chan struct{}
	watchDone chan struct{}

	lastWritten profile.Profile
}

// New is a driver.Constructor.
func New(logger hclog.Logger) driver.Driver {
	return &Driver{
		logger: logger,
		events: make(chan driver.Event, 1),
		stop:   make(chan struct{}),
	}
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) SupportedProfiles() profile.Profile { return d.supported }

var nameToProfile = map[string]profile.Profile{
	"low-power":   profile.PowerSaver,
	"balanced":    profile.Balanced,
	"performance": profile.Performance,
}

// Probe locates the attribute, parses which of the three canonical profiles
// the firmware actually advertises in platform_profile_choices, and starts
// watching platform_profile for hotkey/firmware-initiated changes.
func (d *Driver) Probe(ctx context.Context, preferred *profile.Profile) driver.ProbeResult {
	path := sysfsutil.Path(acpiPlatformDir)
	choices, ok := sysfsutil.ReadAttr(path, attrChoices)
	if !ok {
		return driver.ProbeFail
	}

	var supported profile.Profile
	for _, name := range strings.Fields(choices) {
		if p, ok := nameToProfile[name]; ok {
			supported |= p
		}
	}
	if supported == profile.Unset {
		d.logger.Debug("platform_profile_choices advertised nothing we recognize", "choices", choices)
		return driver.ProbeFail
	}

	d.sysfsPath = path
	d.supported = supported

	if current, ok := sysfsutil.ReadAttr(path, attrProfile); ok {
		if p, known := nameToProfile[current]; known && supported.Contains(p) {
			*preferred = p
			d.lastWritten = p
		}
	}

	mon, err := sysfsutil.MonitorAttr(path, attrProfile)
	if err != nil {
		d.logger.Warn("failed to monitor platform_profile, hotkey changes won't be detected", "error", err)
	} else {
		d.monitor = mon
		d.watchDone = make(chan struct{})
		go d.watch()
	}

	return driver.ProbeOK
}

func (d *Driver) watch() {
	defer close(d.watchDone)
	for {
		select {
		case <-d.stop:
			return
		case _, ok := <-d.monitor.Changed():
			if !ok {
				return
			}
			d.onAttrChanged()
		}
	}
}

func (d *Driver) onAttrChanged() {
	current, ok := sysfsutil.ReadAttr(d.sysfsPath, attrProfile)
	if !ok {
		return
	}
	p, known := nameToProfile[current]
	if !known || !d.supported.Contains(p) || p == d.lastWritten {
		return
	}
	d.lastWritten = p
	select {
	case d.events <- driver.Event{Kind: driver.EventProfileChanged, Profile: p}:
	default:
	}
}

func profileToName(p profile.Profile) string {
	for name, mapped := range nameToProfile {
		if mapped == p {
			return name
		}
	}
	return ""
}

// Activate writes the firmware-facing name for p to platform_profile.
func (d *Driver) Activate(ctx context.Context, p profile.Profile) error {
	name := profileToName(p)
	if name == "" {
		return nil
	}
	if err := sysfsutil.WriteAttr(d.sysfsPath, attrProfile, name); err != nil {
		return err
	}
	d.lastWritten = p
	return nil
}

// PerformanceInhibitedReason: platform_profile carries no inhibition
// signal of its own.
func (d *Driver) PerformanceInhibitedReason() string { return "" }

func (d *Driver) Events() <-chan driver.Event { return d.events }

func (d *Driver) ProbeRequests() <-chan struct{} { return nil }

// Close joins the watcher goroutine before closing the events channel so
// no event send can race the close.
func (d *Driver) Close() error {
	close(d.stop)
	if d.monitor != nil {
		if err := d.monitor.Close(); err != nil {
			d.logger.Warn("error closing platform_profile monitor", "error", err)
		}
		<-d.watchDone
	}
	close(d.events)
	return nil
}
