// Package systemd reports daemon state to a service manager. Every call is a
// no-op when the process was not started by systemd.
package systemd

import (
	"os"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Supervised reports whether a notification socket is configured.
func Supervised() bool { return os.Getenv("NOTIFY_SOCKET") != "" }

// Ready tells the manager startup is complete.
func Ready() (bool, error) { return notify(daemon.SdNotifyReady) }

// Stopping tells the manager shutdown has begun.
func Stopping() (bool, error) { return notify(daemon.SdNotifyStopping) }

// Reloading tells the manager a config reload is in progress; Ready ends it.
func Reloading() (bool, error) { return notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) { return notify("STATUS=" + msg) }

func notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}
