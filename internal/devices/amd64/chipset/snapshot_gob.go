package chipset

import "encoding/gob"

func init() {
	// Snapshots travel as hv.DeviceSnapshot interface values, so gob needs
	// the concrete types up front.
	gob.Register(&pitSnapshot{})
}
