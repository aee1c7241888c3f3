// Package sysfsutil provides the scoped sysfs/udev helpers the mediation
// core's backend drivers are built on: a mockable sysfs root, guarded
// attribute writes, attribute change monitoring and device lookup by
// subsystem + predicate.
package sysfsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// rootEnvVar is checked by Root so the daemon can run against a mocked
// device tree during tests.
const rootEnvVar = "UMOCKDEV_DIR"

// Root returns the sysfs root to build paths under: UMOCKDEV_DIR if set and
// non-empty, otherwise "/sys".
func Root() string {
	if r := os.Getenv(rootEnvVar); r != "" {
		return r
	}
	return "/sys"
}

// Path joins Root() with the given path elements.
func Path(elem ...string) string {
	return filepath.Join(append([]string{Root()}, elem...)...)
}

// Write writes value to the file at filename, truncating any existing
// content. Open for writing, write, close, with no retry and no
// partial-write recovery: sysfs control attributes are small and the
// write is expected to succeed or fail atomically.
func Write(filename, value string) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("open %s for writing: %w", filename, err)
	}
	defer f.Close()
	if _, err := f.WriteString(value); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

// WriteAttr writes value to the named attribute under a device's sysfs
// directory.
func WriteAttr(deviceSysfsPath, attribute, value string) error {
	return Write(filepath.Join(deviceSysfsPath, attribute), value)
}

// ReadAttr reads and trims the named attribute under a device's sysfs
// directory. It returns ("", false) if the attribute is absent or empty.
func ReadAttr(deviceSysfsPath, attribute string) (string, bool) {
	b, err := os.ReadFile(filepath.Join(deviceSysfsPath, attribute))
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", false
	}
	return v, true
}

// HasAttr reports whether the named attribute exists under deviceSysfsPath.
func HasAttr(deviceSysfsPath, attribute string) bool {
	_, err := os.Stat(filepath.Join(deviceSysfsPath, attribute))
	return err == nil
}

// Device is a minimal view of a udev-enumerated device: its sysfs
// directory and the subset of uevent/attribute data callers need to match
// against.
type Device struct {
	// Name is the device's sysfs directory basename (e.g. "thinkpad_acpi",
	// "event4").
	Name string
	// SysfsPath is the absolute path (under Root()) to the device directory.
	SysfsPath string
}

// Attr reads an attribute of this device.
func (d Device) Attr(name string) (string, bool) {
	return ReadAttr(d.SysfsPath, name)
}

// HasAttr reports whether this device exposes the named attribute.
func (d Device) HasAttr(name string) bool {
	return HasAttr(d.SysfsPath, name)
}

// ParentName returns the basename of this device's parent directory in
// the sysfs device tree. Lets a caller holding an
// input event node walk up to the physical device it hangs off.
func (d Device) ParentName() string {
	return filepath.Base(d.parentPath())
}

// Parent returns the Device one level up the sysfs tree, for callers
// that need to read an attribute of the parent rather than just its
// name.
func (d Device) Parent() Device {
	p := d.parentPath()
	return Device{Name: filepath.Base(p), SysfsPath: p}
}

func (d Device) parentPath() string {
	parent := filepath.Dir(d.SysfsPath)
	resolved, err := filepath.EvalSymlinks(parent)
	if err != nil {
		resolved = parent
	}
	return resolved
}

// EachDevice iterates every device directory under class/<subsystem> and
// then under bus/<subsystem>/devices (either may be missing), calling visit
// for each. visit returns false to stop iterating early.
func EachDevice(subsystem string, visit func(Device) bool) {
	for _, base := range []string{
		Path("class", subsystem),
		Path("bus", subsystem, "devices"),
	} {
		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			sysfsPath := filepath.Join(base, entry.Name())
			resolved, err := filepath.EvalSymlinks(sysfsPath)
			if err != nil {
				resolved = sysfsPath
			}
			if !visit(Device{Name: entry.Name(), SysfsPath: resolved}) {
				return
			}
		}
	}
}

// FindDevice iterates every device directory under the given subsystem
// class (class/<subsystem> first, falling back to bus/<subsystem>/devices)
// and returns the first one for which match returns true.
func FindDevice(subsystem string, match func(Device) bool) (Device, bool) {
	var found Device
	ok := false
	EachDevice(subsystem, func(dev Device) bool {
		if match(dev) {
			found, ok = dev, true
			return false
		}
		return true
	})
	return found, ok
}
