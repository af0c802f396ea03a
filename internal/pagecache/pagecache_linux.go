//go:build linux

package pagecache

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// Drop flushes dirty pages and asks the kernel to drop every clean cached page.
func Drop() error {
	unix.Sync()

	f, err := os.OpenFile(dropCachesPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", dropCachesPath, err)
	}
	defer f.Close()

	if _, err := f.WriteString("3\n"); err != nil {
		return fmt.Errorf("write %s: %w", dropCachesPath, err)
	}
	return nil
}

// Evict advises the kernel that the cached pages of each local file are no
// longer needed. Works without root, one file at a time.
func Evict(paths []string) error {
	var result *multierror.Error
	for _, path := range paths {
		if err := evict(path); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func evict(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED); err != nil {
		return fmt.Errorf("fadvise %s: %w", path, err)
	}
	return nil
}
