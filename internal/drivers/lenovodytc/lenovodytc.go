// Package lenovodytc implements the driver for ThinkPad's "dynamic
// thermal control" firmware interface: a dytc_perfmode sysfs attribute
// accepting L/M/H, paired with a lap-proximity switch input device that
// forces an inhibition reason when the laptop is detected on a lap.
package lenovodytc

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hadess/power-profiles-daemon/internal/driver"
	"github.com/hadess/power-profiles-daemon/internal/profile"
	"github.com/hadess/power-profiles-daemon/internal/sysfsutil"
)

const (
	driverName     = "lenovo_dytc"
	perfmodeAttr   = "dytc_perfmode"
	proxSwitchName = "Thinkpad proximity switches"
)

// Driver writes L/M/H to dytc_perfmode and watches both that attribute
// (for hotkey-driven external changes) and the lap-proximity switch (for
// inhibition).
type Driver struct {
	logger hclog.Logger

	sysfsPath string

	lap       *lapSwitch
	lapEvents chan bool

	attrMon *sysfsutil.AttrMonitor

	// mu guards the fields below: the watcher goroutines and the core's
	// Activate/PerformanceInhibitedReason calls overlap. Holding it across
	// the perfmode write also serializes our own writes with the monitor
	// callback.
	mu       sync.Mutex
	perfmode profile.Profile
	lapmode  bool
	suppress bool // true while our own Activate write is in flight

	stop     chan struct{}
	events   chan driver.Event
	watchers sync.WaitGroup
}

// New is a driver.Constructor.
func New(logger hclog.Logger) driver.Driver {
	return &Driver{
		logger:    logger,
		lapEvents: make(chan bool, 4),
		stop:      make(chan struct{}),
		events:    make(chan driver.Event, 1),
	}
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) SupportedProfiles() profile.Profile { return profile.All }

func profileToPerfmode(p profile.Profile) string {
	switch p {
	case profile.PowerSaver:
		return "L"
	case profile.Balanced:
		return "M"
	case profile.Performance:
		return "H"
	default:
		return ""
	}
}

func perfmodeToProfile(s string) profile.Profile {
	if s == "" {
		return profile.Unset
	}
	switch s[0] {
	case 'L':
		return profile.PowerSaver
	case 'M':
		return profile.Balanced
	case 'H':
		return profile.Performance
	default:
		return profile.Unset
	}
}

func findDytc(dev sysfsutil.Device) bool {
	return dev.Name == "thinkpad_acpi" && dev.HasAttr(perfmodeAttr)
}

func findLapProximitySwitch(dev sysfsutil.Device) bool {
	name, _ := dev.Parent().Attr("name")
	return name == proxSwitchName
}

// Probe requires both the lap-proximity switch and the perfmode
// attribute; either missing fails the whole driver.
func (d *Driver) Probe(ctx context.Context, preferred *profile.Profile) driver.ProbeResult {
	proxDev, ok := sysfsutil.FindDevice("input", findLapProximitySwitch)
	if !ok {
		d.logger.Debug("could not find lap proximity switch")
		return driver.ProbeFail
	}

	dytcDev, ok := sysfsutil.FindDevice("platform", findDytc)
	if !ok {
		d.logger.Debug("could not find perfmode sysfs attribute")
		return driver.ProbeFail
	}
	d.sysfsPath = dytcDev.SysfsPath

	lap, err := openLapSwitch("/dev/input/" + proxDev.Name)
	if err != nil {
		d.logger.Debug("could not monitor lap proximity switch", "error", err)
		return driver.ProbeFail
	}
	d.lap = lap
	if value, err := lap.switchValue(); err == nil {
		d.mu.Lock()
		d.lapmode = value
		d.mu.Unlock()
	}
	go lap.readEvents(d.lapEvents)
	d.watchers.Add(1)
	go d.watchLapmode()

	mon, err := sysfsutil.MonitorAttr(d.sysfsPath, perfmodeAttr)
	if err != nil {
		d.logger.Warn("failed to monitor dytc_perfmode, hotkey changes won't be detected", "error", err)
	} else {
		d.attrMon = mon
		d.watchers.Add(1)
		go d.watchPerfmode()
	}

	if current, ok := sysfsutil.ReadAttr(d.sysfsPath, perfmodeAttr); ok {
		if p := perfmodeToProfile(current); p != profile.Unset {
			d.mu.Lock()
			d.perfmode = p
			d.mu.Unlock()
			*preferred = p
		}
	}

	return driver.ProbeOK
}

func (d *Driver) watchLapmode() {
	defer d.watchers.Done()
	for {
		select {
		case <-d.stop:
			return
		case v, ok := <-d.lapEvents:
			if !ok {
				return
			}
			d.updateLapmode(v)
		}
	}
}

func (d *Driver) updateLapmode(newLapmode bool) {
	d.mu.Lock()
	changed := newLapmode != d.lapmode
	d.lapmode = newLapmode
	d.mu.Unlock()
	if !changed {
		return
	}
	d.logger.Debug("dytc_lapmode changed", "lapmode", newLapmode)
	select {
	case d.events <- driver.Event{Kind: driver.EventInhibitionChanged}:
	default:
	}
}

func (d *Driver) watchPerfmode() {
	defer d.watchers.Done()
	for {
		select {
		case <-d.stop:
			return
		case _, ok := <-d.attrMon.Changed():
			if !ok {
				return
			}
			d.onPerfmodeAttrChanged()
		}
	}
}

// onPerfmodeAttrChanged reports an externally-driven perfmode change, but
// is suppressed while our own Activate write is in flight so a
// self-initiated write is never mistaken for a hotkey.
func (d *Driver) onPerfmodeAttrChanged() {
	current, ok := sysfsutil.ReadAttr(d.sysfsPath, perfmodeAttr)
	if !ok {
		return
	}
	p := perfmodeToProfile(current)
	d.mu.Lock()
	if d.suppress || p == profile.Unset || p == d.perfmode {
		d.mu.Unlock()
		return
	}
	d.perfmode = p
	d.mu.Unlock()
	select {
	case d.events <- driver.Event{Kind: driver.EventProfileChanged, Profile: p}:
	default:
	}
}

// Activate writes L/M/H to dytc_perfmode, refusing performance while the
// lap-proximity switch is active.
func (d *Driver) Activate(ctx context.Context, p profile.Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.perfmode == p {
		d.logger.Debug("already at requested perfmode, skipping write", "profile", p)
		return nil
	}
	if p == profile.Performance && d.lapmode {
		return fmt.Errorf("mode is inhibited")
	}

	d.suppress = true
	err := sysfsutil.WriteAttr(d.sysfsPath, perfmodeAttr, profileToPerfmode(p))
	d.suppress = false
	if err != nil {
		return fmt.Errorf("write dytc_perfmode: %w", err)
	}

	d.perfmode = p
	return nil
}

func (d *Driver) PerformanceInhibitedReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lapmode {
		return "lap-detected"
	}
	return ""
}

func (d *Driver) Events() <-chan driver.Event { return d.events }

func (d *Driver) ProbeRequests() <-chan struct{} { return nil }

// Close joins both watcher goroutines before closing the events channel so
// no event send can race the close.
func (d *Driver) Close() error {
	close(d.stop)
	if d.attrMon != nil {
		if err := d.attrMon.Close(); err != nil {
			d.logger.Warn("error closing dytc_perfmode monitor", "error", err)
		}
	}
	if d.lap != nil {
		if err := d.lap.Close(); err != nil {
			d.logger.Warn("error closing lap proximity switch", "error", err)
		}
	}
	d.watchers.Wait()
	close(d.events)
	return nil
}
