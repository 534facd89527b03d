package discovery

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// atomicWriteFile writes data to path via write-temp-then-rename so
// concurrent readers (peers scanning the nodes directory) never observe a
// truncated file. If the rename fails because the temp file and the
// destination are on different filesystems, it falls back to copy, fsync,
// then remove the temp file.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".endpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		if copyErr := copyThenRemove(tmpName, path); copyErr != nil {
			os.Remove(tmpName)
			return fmt.Errorf("rename %s to %s: %w (fallback copy also failed: %v)", tmpName, path, err, copyErr)
		}
	}
	return nil
}

func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return os.Remove(src)
}
