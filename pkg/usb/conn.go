//go:build !windows

package usb

import (
	"net"
	"os"
	"strings"
)

const defaultSocket = "/var/run/usbmuxd"

// usbmuxdDial honours USBMUXD_SOCKET_ADDRESS ("UNIX:/path" or "host:port")
func usbmuxdDial() (net.Conn, error) {
	addr := os.Getenv("USBMUXD_SOCKET_ADDRESS")
	switch {
	case addr == "":
		return net.Dial("unix", defaultSocket)
	case strings.HasPrefix(addr, "UNIX:"):
		return net.Dial("unix", strings.TrimPrefix(addr, "UNIX:"))
	default:
		return net.Dial("tcp", addr)
	}
}
