// Package systemd speaks the sd_notify protocol when the process runs under
// a systemd unit (Type=notify). Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

var defaultNotify = daemon.SdNotify

// notify is swapped in tests.
var notify = defaultNotify

// Ready reports READY=1. It returns false when NOTIFY_SOCKET is unset.
func Ready() (bool, error) { return notify(false, daemon.SdNotifyReady) }

// Stopping reports STOPPING=1.
func Stopping() (bool, error) { return notify(false, daemon.SdNotifyStopping) }

// Reloading reports RELOADING=1 and the monotonic timestamp systemd expects.
func Reloading() (bool, error) {
	msg := fmt.Sprintf("%s\nMONOTONIC_USEC=%d", daemon.SdNotifyReloading, monotonicUsec())
	return notify(false, msg)
}

// Status sets the free-form status line shown by systemctl status.
func Status(s string) (bool, error) { return notify(false, "STATUS="+s) }

// Watchdog pings WATCHDOG=1 at half the unit's WatchdogSec until ctx is
// done. It returns immediately when the watchdog is not enabled.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := notify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
