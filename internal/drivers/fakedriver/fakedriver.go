// Package fakedriver implements the interactive test driver: it never
// touches real hardware, instead reading single keystrokes from stdin to
// toggle a fabricated inhibition reason. It only probes successfully when
// POWER_PROFILE_DAEMON_FAKE_DRIVER is set, so it never activates in a
// production install.
package fakedriver

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/hadess/power-profiles-daemon/internal/driver"
	"github.com/hadess/power-profiles-daemon/internal/profile"
)

const (
	driverName = "fake"
	envVar     = "POWER_PROFILE_DAEMON_FAKE_DRIVER"
)

// Driver reads stdin in raw mode, one byte at a time, and treats 'i' as a
// toggle for its performance-inhibited reason.
type Driver struct {
	logger hclog.Logger

	oldTermios *unix.Termios
	events     chan driver.Event
	stop       chan struct{}

	inhibited bool
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

// SupportedProfiles is every profile: Activate writes nothing, and the
// inhibition path it exists to exercise demotes Performance to Balanced.
func (d *Driver) SupportedProfiles() profile.Profile { return profile.All }

func envvarSet(key string) bool {
	v := os.Getenv(key)
	return v != "" && v[0] != '0' && v[0] != 'f'
}

// Probe fails outright unless the gating environment variable is set, then
// switches the terminal to raw mode and starts the keystroke reader.
func (d *Driver) Probe(ctx context.Context, preferred *profile.Profile) driver.ProbeResult {
	if !envvarSet(envVar) {
		return driver.ProbeFail
	}

	fd := int(os.Stdin.Fd())
	oldTermios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		d.logger.Warn("failed to read stdin termios settings", "error", err)
		return driver.ProbeFail
	}
	d.oldTermios = oldTermios

	newTermios := *oldTermios
	newTermios.Lflag &^= unix.ICANON | unix.ECHO
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &newTermios); err != nil {
		d.logger.Warn("failed to set stdin to cbreak mode", "error", err)
		return driver.ProbeFail
	}

	fmt.Println("Valid keys are: i (toggle inhibition)")
	go d.readKeyboard()

	return driver.ProbeOK
}

func (d *Driver) readKeyboard() {
	r := bufio.NewReader(os.Stdin)
	buf := make([]byte, 1)
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		n, err := r.Read(buf)
		if err != nil || n == 0 {
			return
		}
		switch buf[0] {
		case 'i':
			fmt.Println("Toggling inhibition")
			d.toggleInhibition()
		default:
			fmt.Println("Valid keys are: i (toggle inhibition)")
		}
	}
}

func (d *Driver) toggleInhibition() {
	d.inhibited = !d.inhibited
	select {
	case d.events <- driver.Event{Kind: driver.EventInhibitionChanged}:
	case <-d.stop:
	default:
	}
}

// Activate is a no-op: there is no profile to write, only inhibition to
// toggle via stdin.
func (d *Driver) Activate(ctx context.Context, p profile.Profile) error {
	return nil
}

func (d *Driver) PerformanceInhibitedReason() string {
	if d.inhibited {
		return "lap-detected"
	}
	return ""
}

func (d *Driver) Events() <-chan driver.Event { return d.events }

func (d *Driver) ProbeRequests() <-chan struct{} { return nil }

// Close restores the terminal's original settings. The events channel is
// left open: the keyboard reader may be parked in a stdin read that
// nothing can interrupt, so it cannot be joined, and the core stops
// listening on its own at teardown.
func (d *Driver) Close() error {
	close(d.stop)
	if d.oldTermios != nil {
		if err := unix.IoctlSetTermios(int(os.Stdin.Fd()), unix.TCSETS, d.oldTermios); err != nil {
			d.logger.Warn("failed to restore terminal state", "error", err)
		}
	}
	return nil
}
