// Package action defines the capability contract for side-effect modules
// that piggy-back on profile transitions, such as toggling slow battery
// charging on power-save.
package action

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/hadess/power-profiles-daemon/internal/profile"
)

// Action is a side-effect module invoked on every profile transition.
type Action interface {
	// Name is the stable identifier published in the Actions IPC property.
	Name() string

	// Probe is a synchronous, cheap check for whether this action's
	// hardware/feature is present. Unlike Driver.Probe there is no defer
	// protocol: actions are independent of each other and of the bound
	// driver, so a missing feature simply means this action does not join
	// the action list until the next probe sequence probes it again.
	Probe(ctx context.Context) bool

	// Activate applies the side effect for the given profile. It must be
	// idempotent for repeated identical arguments. A failure is logged by
	// the caller and must never roll back or block the profile transition.
	Activate(ctx context.Context, p profile.Profile) error
}

// Constructor builds a fresh, unprobed Action instance.
type Constructor func(logger hclog.Logger) Action
