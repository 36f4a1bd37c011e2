package common

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
)

// glog verbosity levels
const (
	SHORT   = 4
	DEBUG   = 5
	VERBOSE = 6
)

// FileExists reports whether name exists and is a regular file.
func FileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && info.Mode().IsRegular()
}

// DirExists reports whether name exists and is a directory.
func DirExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && info.IsDir()
}

// RemoveAllWithRetry deletes dir recursively, retrying when the removal
// fails or something recreated files underneath it in the meantime.
func RemoveAllWithRetry(ctx context.Context, dir string, attempts int, pause time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = os.RemoveAll(dir)
		if err == nil && !DirExists(dir) {
			return nil
		}
		glog.V(DEBUG).Infof("Retrying removal of dir=%s try=%d err=%v", dir, i, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	if err == nil {
		err = os.ErrExist
	}
	return err
}

// JoinWithinRoot joins streamPath under root. Leading ".." elements are
// dropped so the result always stays inside root; ok is false when nothing is
// left of streamPath.
func JoinWithinRoot(root, streamPath string) (full string, ok bool) {
	full = filepath.Join(root, filepath.Clean("/"+streamPath))
	return full, full != filepath.Clean(root)
}

// SleepContext waits for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
