// Package intelpstate implements the driver for Intel's P-State cpufreq
// governor: it writes energy_performance_preference on every
// /sys/devices/system/cpu/cpufreq/policy* directory it finds, and tracks
// AC/battery power state so its Balanced mapping can favor throughput on
// mains and efficiency on battery.
package intelpstate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hadess/power-profiles-daemon/internal/driver"
	"github.com/hadess/power-profiles-daemon/internal/profile"
	"github.com/hadess/power-profiles-daemon/internal/sysfsutil"
)

const (
	driverName      = "intel_pstate"
	cpufreqDir      = "devices/system/cpu/cpufreq"
	prefAttr        = "energy_performance_preference"
	powerSupplyGlob = "class/power_supply/*"
)

// Driver writes energy_performance_preference across every cpufreq policy
// directory it found at probe time.
type Driver struct {
	logger hclog.Logger

	policies []string // absolute attribute file paths, one per policy

	// mu guards the fields below and serializes every preference write:
	// the power-supply watcher and the core's Activate calls overlap.
	mu           sync.Mutex
	onBattery    bool
	activated    profile.Profile
	hasActivated bool

	monitors      []*sysfsutil.AttrMonitor
	supplyChanged chan struct{}
	stop          chan struct{}
	events        chan driver.Event
}

// New is a driver.Constructor.
func New(logger hclog.Logger) driver.Driver {
	return &Driver{
		logger:        logger,
		supplyChanged: make(chan struct{}, 1),
		stop:          make(chan struct{}),
		events:        make(chan driver.Event, 1),
	}
}

func (d *Driver) Name() string { return driverName }

func (d *Driver) SupportedProfiles() profile.Profile { return profile.All }

// Probe walks every cpufreq policy directory looking for
// energy_performance_preference.
func (d *Driver) Probe(ctx context.Context, preferred *profile.Profile) driver.ProbeResult {
	dir := sysfsutil.Path(cpufreqDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return driver.ProbeFail
	}

	for _, entry := range entries {
		attrPath := filepath.Join(dir, entry.Name(), prefAttr)
		if _, statErr := os.Stat(attrPath); statErr != nil {
			continue
		}
		d.policies = append(d.policies, attrPath)
	}
	if len(d.policies) == 0 {
		d.logger.Debug("didn't find p-state settings")
		return driver.ProbeFail
	}
	d.logger.Debug("found p-state settings", "policies", len(d.policies))

	d.onBattery = d.readOnBattery()
	d.watchPowerSupplies()

	return driver.ProbeOK
}

// readOnBattery reports true when at least one mains power supply exists
// and none of them reports online=1.
func (d *Driver) readOnBattery() bool {
	matches, _ := filepath.Glob(sysfsutil.Path(powerSupplyGlob))
	found := false
	for _, dir := range matches {
		typ, ok := sysfsutil.ReadAttr(dir, "type")
		if !ok || !strings.EqualFold(typ, "Mains") {
			continue
		}
		found = true
		if online, ok := sysfsutil.ReadAttr(dir, "online"); ok && online == "1" {
			return false
		}
	}
	// A mains supply that isn't online means we're discharging. No mains
	// supply at all means a desktop; report on-mains rather than throttling
	// a machine that can't tell us.
	return found
}

func (d *Driver) watchPowerSupplies() {
	matches, _ := filepath.Glob(sysfsutil.Path(powerSupplyGlob))
	watching := false
	for _, dir := range matches {
		if !sysfsutil.HasAttr(dir, "online") {
			continue
		}
		mon, err := sysfsutil.MonitorAttr(dir, "online")
		if err != nil {
			continue
		}
		d.monitors = append(d.monitors, mon)
		go d.forwardSupplyChanges(mon)
		watching = true
	}
	if watching {
		go d.watchPower()
	}
}

// forwardSupplyChanges coalesces one supply monitor's pulses onto the
// shared channel watchPower drains, so reactions to power-source changes
// run on a single goroutine no matter how many supplies are watched.
func (d *Driver) forwardSupplyChanges(mon *sysfsutil.AttrMonitor) {
	for {
		select {
		case <-d.stop:
			return
		case _, ok := <-mon.Changed():
			if !ok {
				return
			}
			select {
			case d.supplyChanged <- struct{}{}:
			default:
			}
		}
	}
}

func (d *Driver) watchPower() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.supplyChanged:
			d.onBatteryChanged()
		}
	}
}

// onBatteryChanged re-applies the Balanced mapping in place if it's the
// currently activated profile, without going through the core: no
// profile-changed event fires, same profile, new underlying value. The
// write happens under mu, so it can never interleave with Activate.
func (d *Driver) onBatteryChanged() {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.onBattery
	d.onBattery = d.readOnBattery()
	d.logger.Debug("battery status changed",
		"from", batteryLabel(old), "to", batteryLabel(d.onBattery))

	if d.hasActivated && d.activated == profile.Balanced {
		if err := d.writeProfileLocked(profile.Balanced); err != nil {
			d.logger.Warn("failed to re-apply balanced preference after power source change", "error", err)
		}
	}
}

func batteryLabel(onBattery bool) string {
	if onBattery {
		return "on battery"
	}
	return "on mains"
}

func profileToPref(p profile.Profile, onBattery bool) string {
	switch p {
	case profile.PowerSaver:
		return "power"
	case profile.Balanced:
		if onBattery {
			return "balance_power"
		}
		return "balance_performance"
	case profile.Performance:
		return "performance"
	default:
		return ""
	}
}

func (d *Driver) writeProfileLocked(p profile.Profile) error {
	pref := profileToPref(p, d.onBattery)
	for _, path := range d.policies {
		if err := sysfsutil.Write(path, pref); err != nil {
			return err
		}
	}
	return nil
}

// Activate writes pref across every cpufreq policy directory.
func (d *Driver) Activate(ctx context.Context, p profile.Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeProfileLocked(p); err != nil {
		return err
	}
	d.activated = p
	d.hasActivated = true
	return nil
}

// PerformanceInhibitedReason: intel-pstate never inhibits performance.
func (d *Driver) PerformanceInhibitedReason() string { return "" }

func (d *Driver) Events() <-chan driver.Event { return d.events }

func (d *Driver) ProbeRequests() <-chan struct{} { return nil }

func (d *Driver) Close() error {
	close(d.stop)
	for _, mon := range d.monitors {
		if err := mon.Close(); err != nil {
			d.logger.Warn("error closing power-supply monitor", "error", err)
		}
	}
	close(d.events)
	return nil
}
