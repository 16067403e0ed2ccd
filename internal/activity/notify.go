package activity

import "github.com/gen2brain/beeep"

// BeeepNotifier sends desktop notifications. Without permission it does
// nothing.
type BeeepNotifier struct {
	Enabled bool
	Icon    string
}

func (n BeeepNotifier) Notify(title, message string) error {
	if !n.Enabled {
		return nil
	}
	return beeep.Notify(title, message, n.Icon)
}
