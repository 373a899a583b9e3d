package prealloc

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// Allocator reserves disk space for a file before it is written.
// Implementations never fail because the platform or filesystem lacks
// support; they fall back to a plain size change instead.
type Allocator interface {
	Preallocate(path string, size int64) error
}

type noop struct{}

func (noop) Preallocate(string, int64) error { return nil }

// Disabled returns an allocator that leaves files untouched.
func Disabled() Allocator {
	return noop{}
}

type fsAllocator struct{}

// New returns the allocator for the running platform.
func New() Allocator {
	return fsAllocator{}
}

// Preallocate makes path exactly size bytes long, reserving blocks where the
// filesystem supports it. Larger files are truncated down.
func (fsAllocator) Preallocate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("error opening %s for allocation: %v", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	current := info.Size()
	if current > size {
		log.Debug().Str("op", "prealloc").Msgf("truncating %s from %d to %d bytes", path, current, size)
		return f.Truncate(size)
	}
	if current == size {
		return nil
	}
	if supported(f) {
		err := reserve(f, current, size-current)
		if err == nil {
			return nil
		}
		log.Debug().Str("op", "prealloc").Msgf("reserve not supported for %s: %v", path, err)
	}
	return f.Truncate(size)
}
