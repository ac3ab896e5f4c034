//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package transport

import "golang.org/x/sys/unix"

// setSocketOptions lets several mDNS stacks share port 5353: SO_REUSEADDR for
// the address and SO_REUSEPORT so that every socket receives the multicast
// traffic.
func setSocketOptions(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}
