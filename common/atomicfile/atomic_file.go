// Package atomicfile provides functions to read and write files atomically.
package atomicfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// WriteFile writes data to a file named by filename atomically.
func WriteFile(filename string, data []byte, perm os.FileMode) error {
	_, err := WriteFrom(filename, func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	}, perm)
	return err
}

// WriteFrom streams the output of fill into filename atomically. The target is only replaced once
// fill returns without error, so readers never see a partial file. The number of bytes written by
// fill is returned.
func WriteFrom(filename string, fill func(w io.Writer) (int64, error), perm os.FileMode) (n int64, err error) {
	if err = os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}
	// renaming a file is atomic at the OS level on POSIX systems, so we write to a temp file
	// and then rename it to the target filename.
	f, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if n, err = fill(f); err != nil {
		return n, err
	}
	if runtime.GOOS != "windows" {
		if err = f.Chmod(perm); err != nil {
			return n, err
		}
	}
	if err = f.Sync(); err != nil {
		return n, err
	}
	if err = f.Close(); err != nil {
		return n, err
	}
	// os.Rename will fail on Windows if the target file already exists so we remove it first.
	if runtime.GOOS == "windows" {
		_ = os.Remove(filename)
	}
	err = os.Rename(f.Name(), filename)
	return n, err
}

func ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}
