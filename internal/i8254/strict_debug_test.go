//go:build pitdebug

package i8254

import (
	"errors"
	"testing"
)

func TestUnclaimedPortPanics(t *testing.T) {
	c, _ := newTestChip(t)
	defer func() {
		r := recover()
		err, ok := r.(error)
		var perr *PortError
		if !ok || !errors.As(err, &perr) {
			t.Fatalf("expected *PortError panic, got %v", r)
		}
		if perr.Port != 0x44 || perr.Op != "read" {
			t.Fatalf("unexpected error %v", perr)
		}
	}()
	c.Inb(0x44)
}
