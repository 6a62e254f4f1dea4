package lnutils

import (
	"errors"
	"fmt"
	"os"
)

// CreateDir creates dir and its parents with perm if they don't exist. A
// symlink pointing nowhere, usually an unmounted volume, gets a readable
// error.
func CreateDir(dir string, perm os.FileMode) error {
	err := os.MkdirAll(dir, perm)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && os.IsExist(err) {
		link, lerr := os.Readlink(pathErr.Path)
		if lerr == nil {
			return fmt.Errorf("is symlink %s -> %s mounted?",
				pathErr.Path, link)
		}
	}

	return fmt.Errorf("failed to create directory '%s': %w", dir, err)
}
