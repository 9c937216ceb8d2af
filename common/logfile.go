package common

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogFile prepares dir and returns a writer for LogFileName that rolls
// over into gzip archives once it passes maxSizeMB. Archives beyond keep
// or older than maxAgeDays are removed.
func newLogFile(dir string, maxSizeMB, keep, maxAgeDays int) (*lumberjack.Logger, error) {
	if err := refuseSymlink(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, LogFileName)
	if err := refuseSymlink(path); err != nil {
		return nil, err
	}

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: keep,
		MaxAge:     maxAgeDays,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

// refuseSymlink fails when path exists and is a symbolic link.
func refuseSymlink(path string) error {
	info, err := os.Lstat(path)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("refusing to log through symlink %s", path)
	}
	return nil
}
