package util

import (
	"os"
	"path/filepath"

	"github.com/pingcap/errors"
)

// FileSystem is the durable storage the commit layer is written against. OSFileSystem is the production
// implementation; tests wrap it to inject failures.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	// WriteFile creates or truncates path. It does not sync.
	WriteFile(path string, data []byte) error
	// AppendFile appends data to path, creating it if needed. It does not sync.
	AppendFile(path string, data []byte) error
	// Fsync flushes path (a file or a directory) to stable storage.
	Fsync(path string) error
	Rename(from, to string) error
	Remove(path string) error
	Exists(path string) bool
	Size(path string) (uint64, error)
	MkdirAll(path string) error
}

type OSFileSystem struct{}

func (OSFileSystem) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	return data, errors.WithStack(err)
}

func (OSFileSystem) WriteFile(path string, data []byte) error {
	return errors.WithStack(os.WriteFile(path, data, 0644))
}

func (OSFileSystem) AppendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

func (OSFileSystem) Fsync(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	return errors.WithStack(f.Sync())
}

func (OSFileSystem) Rename(from, to string) error {
	return errors.WithStack(os.Rename(from, to))
}

func (OSFileSystem) Remove(path string) error {
	_, err := DeleteFileIfExists(path)
	return err
}

func (OSFileSystem) Exists(path string) bool {
	return FileExists(path)
}

func (OSFileSystem) Size(path string) (uint64, error) {
	return GetFileSize(path)
}

func (OSFileSystem) MkdirAll(path string) error {
	return errors.WithStack(os.MkdirAll(path, 0755))
}

// TempPath is the scratch file AtomicWrite stages path in.
func TempPath(path string) string {
	return path + ".tmp"
}

// AtomicWrite replaces path with data so that a crash leaves either the old or the new content: the data is
// written to a temporary file, synced, renamed over path, and the directory is synced to persist the rename.
func AtomicWrite(fs FileSystem, path string, data []byte) error {
	tmp := TempPath(path)
	if err := fs.WriteFile(tmp, data); err != nil {
		return err
	}
	if err := fs.Fsync(tmp); err != nil {
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		return err
	}
	return fs.Fsync(filepath.Dir(path))
}

func GetFileSize(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return uint64(fi.Size()), nil
}

func FileExists(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !fi.IsDir()
}

func DeleteFileIfExists(path string) (bool, error) {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}
