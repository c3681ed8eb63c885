// Package systemd wraps sd_notify for running under a systemd unit with
// Type=notify. All calls are no-ops outside systemd.
package systemd

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady tells systemd the service finished starting up.
func NotifyReady() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

// NotifyStopping tells systemd a shutdown is in progress.
func NotifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// NotifyStatus updates the single-line status shown by systemctl status.
func NotifyStatus(status string) {
	_, _ = daemon.SdNotify(false, fmt.Sprintf("STATUS=%s", status))
}

// WatchdogInterval returns the unit's watchdog timeout (0 when the unit has
// no WatchdogSec). Callers should pet the watchdog at half this interval.
func WatchdogInterval() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

// NotifyWatchdog pets the systemd watchdog.
func NotifyWatchdog() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
}
