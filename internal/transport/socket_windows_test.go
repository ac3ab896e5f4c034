//go:build windows

package transport

import (
	"testing"

	"golang.org/x/sys/windows"
)

// TestSetSocketOptions_Windows verifies setSocketOptions runs on Windows, where
// only SO_REUSEADDR exists.
func TestSetSocketOptions_Windows(t *testing.T) {
	fd, err := windows.Socket(windows.AF_INET, windows.SOCK_DGRAM, windows.IPPROTO_UDP)
	if err != nil {
		t.Fatalf("Failed to create socket: %v", err)
	}
	defer func() { _ = windows.Closesocket(fd) }()

	if err := setSocketOptions(uintptr(fd)); err != nil {
		t.Fatalf("setSocketOptions() failed: %v", err)
	}
}
