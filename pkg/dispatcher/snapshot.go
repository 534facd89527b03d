package dispatcher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meshrender/farm/pkg/config"
	"github.com/meshrender/farm/pkg/storage"
)

// snapshotAndMove writes the store's online backup to a local temp file
// and then moves it onto the shared filesystem mount's snapshot path,
// decoupling the (possibly slow) network write from the 2s dispatch
// cadence. It is invoked from its own goroutine by maybeSnapshot.
func snapshotAndMove(store storage.Store, syncRoot string) error {
	stateDir := config.StateDir(syncRoot)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir state dir: %w", err)
	}

	tmp, err := os.CreateTemp("", "farm-snapshot-*.db")
	if err != nil {
		return fmt.Errorf("snapshot: create local temp: %w", err)
	}
	localTmp := tmp.Name()
	tmp.Close()
	defer os.Remove(localTmp)

	if err := store.SnapshotTo(localTmp); err != nil {
		return fmt.Errorf("snapshot: write local copy: %w", err)
	}

	dst := config.SnapshotPath(syncRoot)
	if err := moveFile(localTmp, dst); err != nil {
		return fmt.Errorf("snapshot: move to shared mount: %w", err)
	}
	return nil
}

// moveFile renames src to dst, falling back to copy+verify (size match)+delete when the
// rename fails because they sit on different filesystems (the common case
// here: local temp dir vs. the shared sync-root mount).
func moveFile(src, dst string) error {
	tmpDst := dst + ".tmp"
	if err := os.Rename(src, tmpDst); err == nil {
		return os.Rename(tmpDst, dst)
	}

	if err := copyFile(src, tmpDst); err != nil {
		return err
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		os.Remove(tmpDst)
		return err
	}
	dstInfo, err := os.Stat(tmpDst)
	if err != nil {
		os.Remove(tmpDst)
		return err
	}
	if srcInfo.Size() != dstInfo.Size() {
		os.Remove(tmpDst)
		return fmt.Errorf("snapshot: copied size %d != source size %d", dstInfo.Size(), srcInfo.Size())
	}
	if err := os.Rename(tmpDst, dst); err != nil {
		os.Remove(tmpDst)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
