package local

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// writeTemp writes data to a new temporary file in dir and syncs it.
func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// publishFile moves the fully written file at tmpPath to destPath without
// ever replacing an existing destination. It reports false when destPath
// already existed. tmpPath is always removed.
func publishFile(tmpPath, destPath string) (bool, error) {
	defer os.Remove(tmpPath)

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return false, err
	}

	// A hard link either creates destPath with the complete contents or
	// fails because it exists; readers never observe a partial file.
	err := os.Link(tmpPath, destPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}

	// Some filesystems do not support hard links; fall back to an exclusive
	// create and copy.
	return copyExclusive(tmpPath, destPath)
}

func copyExclusive(srcPath, destPath string) (bool, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return false, err
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := dest.ReadFrom(src); err != nil {
		dest.Close()
		os.Remove(destPath)
		return false, err
	}
	if err := dest.Close(); err != nil {
		os.Remove(destPath)
		return false, err
	}
	return true, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// dirSize sums the sizes of the regular files below root.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
