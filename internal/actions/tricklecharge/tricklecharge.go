// Package tricklecharge implements the trickle-charge action: it lowers
// the battery charge rate while power-saver is active, via the
// power_supply class's charge_type attribute, and restores the charger's
// previous charge type the rest of the time.
package tricklecharge

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/hadess/power-profiles-daemon/internal/action"
	"github.com/hadess/power-profiles-daemon/internal/profile"
	"github.com/hadess/power-profiles-daemon/internal/sysfsutil"
)

const (
	actionName  = "trickle_charge"
	chargeAttr  = "charge_type"
	trickleType = "Trickle"
	normalType  = "Standard"
)

// Action writes charge_type on every battery it finds under
// /sys/class/power_supply, restricting the charge rate on power-saver and
// restoring each battery's value recorded at probe time otherwise.
type Action struct {
	logger hclog.Logger

	batteries []string // sysfs directories, one per Type=Battery supply
	original  map[string]string
}

// New is an action.Constructor.
func New(logger hclog.Logger) action.Action {
	return &Action{logger: logger, original: make(map[string]string)}
}

func (a *Action) Name() string { return actionName }

// Probe finds every power_supply with Type=Battery and a writable
// charge_type attribute, recording its current value so Activate can
// restore it when leaving power-saver.
func (a *Action) Probe(ctx context.Context) bool {
	sysfsutil.EachDevice("power_supply", func(dev sysfsutil.Device) bool {
		typ, ok := dev.Attr("type")
		if !ok || typ != "Battery" || !dev.HasAttr(chargeAttr) {
			return true // keep scanning: a machine may have more than one battery
		}
		if current, ok := dev.Attr(chargeAttr); ok {
			a.original[dev.SysfsPath] = current
		} else {
			a.original[dev.SysfsPath] = normalType
		}
		a.batteries = append(a.batteries, dev.SysfsPath)
		return true
	})
	return len(a.batteries) > 0
}

// Activate writes Trickle on power-saver, and the battery's original
// charge_type value on every other profile. Idempotent: writing the
// already-active value is harmless, matching the Action contract.
func (a *Action) Activate(ctx context.Context, p profile.Profile) error {
	var firstErr error
	for _, path := range a.batteries {
		value := a.original[path]
		if p == profile.PowerSaver {
			value = trickleType
		}
		if err := sysfsutil.WriteAttr(path, chargeAttr, value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
