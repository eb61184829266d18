//go:build !linux

package printer

// lookupUSBName has no database to consult outside linux.
func lookupUSBName(vid, pid uint16) string {
	return ""
}
