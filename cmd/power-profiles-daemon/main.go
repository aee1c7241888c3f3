// Command power-profiles-daemon mediates between D-Bus clients and the
// host's hardware power/performance controls. It owns
// net.hadess.PowerProfiles on the system bus for as long as it runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	systemdDaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-hclog"
	flag "github.com/spf13/pflag"

	"github.com/hadess/power-profiles-daemon/internal/action"
	"github.com/hadess/power-profiles-daemon/internal/actions/tricklecharge"
	"github.com/hadess/power-profiles-daemon/internal/core"
	"github.com/hadess/power-profiles-daemon/internal/dbusiface"
	"github.com/hadess/power-profiles-daemon/internal/driver"
	"github.com/hadess/power-profiles-daemon/internal/drivers/fakedriver"
	"github.com/hadess/power-profiles-daemon/internal/drivers/intelpstate"
	"github.com/hadess/power-profiles-daemon/internal/drivers/lenovodytc"
	"github.com/hadess/power-profiles-daemon/internal/drivers/placeholder"
	"github.com/hadess/power-profiles-daemon/internal/drivers/platformprofile"
)

const (
	exitOK          = 0
	exitStartFailed = 1
	exitArgError    = 2
)

// registry is the compiled-in, ordered probe list. Order matters: the
// first driver whose probe succeeds wins. The fake driver goes first so
// that, when enabled, it overrides whatever hardware the machine has;
// placeholder must stay last so every hardware-specific driver gets a
// chance first.
var registry = core.Registry{
	Drivers: []driver.Constructor{
		fakedriver.New,
		platformprofile.New,
		intelpstate.New,
		lenovodytc.New,
		placeholder.New,
	},
	Actions: []action.Constructor{
		tricklecharge.New,
	},
}

func main() {
	os.Exit(run())
}

func run() int {
	verbose := flag.BoolP("verbose", "v", false, "elevate logging verbosity")
	replace := flag.BoolP("replace", "r", false, "replace an existing instance of the daemon")
	flag.Parse()
	if len(flag.Args()) > 0 {
		fmt.Fprintf(os.Stderr, "power-profiles-daemon: unexpected arguments: %v\n", flag.Args())
		return exitArgError
	}

	level := hclog.Info
	if *verbose {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "power-profiles-daemon",
		Level: level,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := core.New(logger, registry, nil)

	svc, err := dbusiface.New(logger, c, *replace)
	if err != nil {
		logger.Error("failed to connect to the system bus", "error", err)
		return exitStartFailed
	}
	defer svc.Close()
	c.SetNotifier(svc)

	if err := svc.RequestName(); err != nil {
		logger.Error("failed to acquire bus name", "error", err)
		return exitStartFailed
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	// Core.Run probes the registry synchronously before entering its event
	// loop; Ready() closes the moment that first probe succeeds, and
	// runErr fires instead if it never does.
	select {
	case <-c.Ready():
	case err := <-runErr:
		logger.Error("mandatory drivers were not probed successfully", "error", err)
		return exitStartFailed
	}

	systemdDaemon.SdNotify(false, systemdDaemon.SdNotifyReady)
	stopWatchdog := startWatchdog(ctx, logger)
	defer stopWatchdog()

	select {
	case <-svc.NameLost():
		logger.Info("bus name lost after startup, another instance has taken over")
		c.Stop()
		return exitOK
	case err := <-runErr:
		if err != nil {
			logger.Error("core event loop exited with error", "error", err)
			return exitStartFailed
		}
	case <-ctx.Done():
		systemdDaemon.SdNotify(false, systemdDaemon.SdNotifyStopping)
		c.Stop()
	}

	return exitOK
}

// startWatchdog pings sd_notify WATCHDOG=1 at half the interval systemd
// told us to, if WATCHDOG_USEC is set; a no-op otherwise. The returned
// stop function must not depend on ctx alone: the bus-name handover path
// shuts down without cancelling the context.
func startWatchdog(ctx context.Context, logger hclog.Logger) func() {
	interval, err := systemdDaemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval / 2)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if ok, err := systemdDaemon.SdNotify(false, systemdDaemon.SdNotifyWatchdog); err != nil {
					logger.Warn("failed to send watchdog notification", "error", err)
				} else if !ok {
					return
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}
