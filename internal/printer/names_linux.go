//go:build linux

package printer

import (
	"sync"

	"github.com/ardnew/softusb/pkg/linux/usbid"
)

var (
	usbNames     *usbid.Database
	usbNamesOnce sync.Once
)

// lookupUSBName resolves a name from the system usb.ids database.
func lookupUSBName(vid, pid uint16) string {
	usbNamesOnce.Do(func() {
		db := usbid.New()
		if db.Load() {
			usbNames = db
		}
	})
	if usbNames == nil {
		return ""
	}
	if p := usbNames.LookupProduct(vid, pid); p != "" {
		return p
	}
	return usbNames.LookupVendor(vid)
}
