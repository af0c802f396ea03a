//go:build !linux

package pagecache

// Drop is not supported on this platform.
func Drop() error {
	return ErrUnsupported
}

// Evict is not supported on this platform.
func Evict([]string) error {
	return ErrUnsupported
}
