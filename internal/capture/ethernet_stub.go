//go:build !linux

package capture

import "errors"

// Placeholder so non-linux builds compile; AF_PACKET capture is linux-only.
func OpenEthernet(iface string) (Source, error) {
	return nil, errors.New("ethernet capture unsupported on this platform")
}
