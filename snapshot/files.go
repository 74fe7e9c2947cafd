package snapshot

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const fileAttempts = 5

// FileRetryDelay is the pause between attempts in TryCopyFile and TryDeleteFile.
var FileRetryDelay = 100 * time.Millisecond

// TryCopyFile copies src to dst, preserving src's modification time.
// It does nothing and reports false if dst already exists
// with the same size as src and a modification time no earlier than src's.
// The destination directory is created if needed.
//
// Failures are retried a few times,
// clearing a read-only mode on dst once if that is what stands in the way.
// The error is the last one seen after retries are exhausted.
func TryCopyFile(src, dst string) (bool, error) {
	var (
		cleared bool
		err     error
	)
	for i := 0; i < fileAttempts; i++ {
		if i > 0 {
			time.Sleep(FileRetryDelay)
		}
		var copied bool
		copied, err = copyFile(src, dst)
		if err == nil {
			return copied, nil
		}
		if os.IsPermission(err) && !cleared {
			cleared = true
			if clearReadOnly(dst) == nil {
				i--
				continue
			}
		}
	}
	return false, err
}

func copyFile(src, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, errors.Wrapf(err, "statting %s", src)
	}
	if dstInfo, err := os.Stat(dst); err == nil {
		if dstInfo.Size() == srcInfo.Size() && !dstInfo.ModTime().Before(srcInfo.ModTime()) {
			return false, nil
		}
	}

	if err = os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, err
	}

	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return false, err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return false, err
	}
	if err = out.Close(); err != nil {
		return false, err
	}
	return true, os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime())
}

// TryDeleteFile removes the file at path, with the same retry behavior as TryCopyFile.
// It reports whether the file is gone.
// A file that does not exist counts as gone.
func TryDeleteFile(path string) bool {
	var cleared bool
	for i := 0; i < fileAttempts; i++ {
		if i > 0 {
			time.Sleep(FileRetryDelay)
		}
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return true
		}
		if os.IsPermission(err) && !cleared {
			cleared = true
			if clearReadOnly(path) == nil {
				i--
			}
		}
	}
	return false
}

func clearReadOnly(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0200 != 0 {
		return errors.Errorf("%s is not read-only", path)
	}
	return os.Chmod(path, info.Mode().Perm()|0200)
}
