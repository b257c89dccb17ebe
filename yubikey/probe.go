// Package yubikey probes for an attached USB hardware token so the
// agent's Unsupported response for AddKey{kind: Yubikey} can name what,
// if anything, is plugged in. No signing or key material ever touches
// the device; this is diagnostic only. Grounded on the teacher's
// app/host USB device-enumeration commands, adapted from tezsign's
// gadget-protocol device listing to a bare presence probe using
// google/gousb.
package yubikey

import (
	"fmt"

	"github.com/google/gousb"
)

// Yubico's USB vendor ID.
const yubicoVendorID = gousb.ID(0x1050)

// Probe reports a human-readable description of what is attached, for
// use in an Unsupported error message. It never fails hard: an inability
// to open a USB context is itself reported as a description, not an
// error, since the caller only ever uses the result for diagnostics.
func Probe() string {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == yubicoVendorID
	})
	if err != nil {
		return "unable to enumerate USB devices"
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	if len(devs) == 0 {
		return "no FIDO/Yubikey-class device found"
	}
	return fmt.Sprintf("found %d Yubico device(s), but hardware-token signing is not implemented", len(devs))
}
