package storage

import (
	"io"
	"os"
)

func createFile(path string) (*os.File, error) {
	return os.Create(path)
}

// atomicRename replaces dst with src via rename, which is atomic on a single
// filesystem. The shared sync mount this is written to is expected to be
// local-like (NFS/SMB with rename support), matching the endpoint-descriptor
// write path in pkg/discovery.
func atomicRename(src, dst string) error {
	return os.Rename(src, dst)
}

// copyFileContents copies src to dst byte-for-byte. Used to stage a remote
// snapshot locally before bolt.Open, since bbolt cannot open a database file
// that is still being written to by another process.
func copyFileContents(src, dst string) error {
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
	return out.Sync()
}
