// Package notify delivers quota alerts as desktop notifications.
package notify

import (
	"fmt"

	"github.com/gen2brain/beeep"
)

// Desktop sends OS-native notifications via beeep.
// Delivery is best-effort; headless environments simply report an error
// which callers are expected to swallow.
type Desktop struct {
	enabled bool
	appName string
}

// NewDesktop creates a desktop notifier. When disabled, Notify is a no-op.
func NewDesktop(enabled bool) *Desktop {
	return &Desktop{enabled: enabled, appName: "quotagate"}
}

// Notify shows a notification for one alert.
func (d *Desktop) Notify(alertType, message string) error {
	if !d.enabled {
		return nil
	}
	title := fmt.Sprintf("%s: quota %s", d.appName, alertType)
	return beeep.Notify(title, message, "")
}
