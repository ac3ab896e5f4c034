//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package transport

// setSocketOptions is a no-op where port sharing is not supported.
func setSocketOptions(fd uintptr) error { return nil }
