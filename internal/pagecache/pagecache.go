// Package pagecache empties the kernel page cache between epochs so every
// epoch reads from the storage client rather than from memory.
package pagecache

import "errors"

// ErrUnsupported is returned on platforms without page cache control.
var ErrUnsupported = errors.New("page cache control unsupported on this platform")

// dropCachesPath is the Linux knob; writing "3" drops page cache, dentries
// and inodes. Requires root.
var dropCachesPath = "/proc/sys/vm/drop_caches"
