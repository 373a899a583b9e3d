//go:build !linux

package prealloc

import (
	"errors"
	"os"
)

func supported(*os.File) bool {
	return false
}

func reserve(*os.File, int64, int64) error {
	return errors.ErrUnsupported
}
