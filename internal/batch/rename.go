package batch

import (
	"errors"
	"io/fs"
	"os"
)

func renameCheckFirst(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return ErrDestinationExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return os.Rename(src, dst)
}

func renameReplace(src, dst string) error {
	return os.Rename(src, dst)
}
