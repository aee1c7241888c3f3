// Package profile defines the canonical power profile enum and its
// string codec.
package profile

// Profile is a bitmask over the three selectable power profiles. A single
// Profile value representing the "active" profile always has exactly one
// bit set; driver capability masks may have more than one bit set.
type Profile uint8

const (
	// Unset is only valid at parse sites and before a driver has probed.
	Unset Profile = 0

	PowerSaver  Profile = 1 << 0
	Balanced    Profile = 1 << 1
	Performance Profile = 1 << 2
)

// All is the mask of every selectable profile.
const All = PowerSaver | Balanced | Performance

const (
	powerSaverName  = "power-saver"
	balancedName    = "balanced"
	performanceName = "performance"
)

// String formats a single-flag Profile as its canonical name. Multi-flag
// masks and Unset format as the empty string.
func (p Profile) String() string {
	switch p {
	case PowerSaver:
		return powerSaverName
	case Balanced:
		return balancedName
	case Performance:
		return performanceName
	default:
		return ""
	}
}

// Parse maps a canonical string to its Profile. Unknown strings yield
// Unset, never an error: callers distinguish failure by checking for Unset.
func Parse(s string) Profile {
	switch s {
	case powerSaverName:
		return PowerSaver
	case balancedName:
		return Balanced
	case performanceName:
		return Performance
	default:
		return Unset
	}
}

// HasSingleFlag reports whether exactly one bit of p is set. The core uses
// this to assert that a value it expects to be a concrete profile (as
// opposed to a capability mask) really is one.
func (p Profile) HasSingleFlag() bool {
	return p != 0 && p&(p-1) == 0
}

// Ordered lists every profile in the fixed publication order used by the
// Profiles IPC property: PowerSaver, Balanced, Performance.
var Ordered = []Profile{PowerSaver, Balanced, Performance}

// Contains reports whether mask includes p (p must be a single flag).
func (mask Profile) Contains(p Profile) bool {
	return mask&p == p
}
