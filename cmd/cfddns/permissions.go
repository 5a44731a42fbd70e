package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// warnPermissions logs when the config file is readable by others.
// A file that cannot be read at all is left for config.Load to report.
func warnPermissions(logger *zap.Logger, fsys afero.Fs, path string) {
	var pe permissionError
	if err := verifyPermissions(fsys, path); errors.As(err, &pe) {
		logger.Warn("config file may be readable by other users", zap.String("file", path), zap.Error(err))
	}
}

// verifyPermissions checks that only the owner can read the config file,
// since it usually holds API credentials.
func verifyPermissions(fsys afero.Fs, path string) error {
	info, err := fsys.Stat(path)
	if err != nil {
		return fmt.Errorf("error checking config file permissions: %w", err)
	}

	// 0600 and 0400 both pass; the file might be provided by some secrets
	// managing software as readonly.
	if perms := info.Mode().Perm(); perms&0o077 != 0 {
		return fmt.Errorf("invalid permissions for %q: %w", path, permissionError(perms))
	}
	return nil
}

type permissionError fs.FileMode

func (pe permissionError) Error() string {
	return fmt.Sprintf("expected file permissions \"-rw-------\"; found \"%s\"", fs.FileMode(pe))
}
