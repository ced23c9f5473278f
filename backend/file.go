// Package backend provides storage backends for tcmu devices.
package backend

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/agrover/tcmu-runner/recovery"
)

// ErrLocked is returned by File.Lock when another process holds the lock.
var ErrLocked = errors.New("backing file is locked by another process")

// File serves a device out of a regular file or block device. It is closed
// until Open is called.
type File struct {
	path string
	log  *logrus.Entry

	mu sync.RWMutex
	f  *os.File
}

func NewFile(path string) *File {
	return &File{
		path: path,
		log:  logrus.WithField("backend", "file"),
	}
}

func (b *File) Path() string {
	return b.path
}

func (b *File) Open() error {
	f, err := os.OpenFile(b.path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", b.path)
	}
	b.mu.Lock()
	old := b.f
	b.f = f
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
	b.log.Debugf("Opened %s.", b.path)
	return nil
}

// Close closes the file, dropping any lock taken by Lock.
func (b *File) Close() {
	b.mu.Lock()
	f := b.f
	b.f = nil
	b.mu.Unlock()
	if f == nil {
		return
	}
	if err := f.Close(); err != nil {
		b.log.Errorf("Failed to close %s: %v", b.path, err)
	}
}

// Size returns the size of the file in bytes.
func (b *File) Size() (int64, error) {
	fi, err := os.Stat(b.path)
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", b.path)
	}
	return fi.Size(), nil
}

// file returns the open file, or an error wrapping recovery.ErrConnLost.
// Callers must hold mu for reading.
func (b *File) file() (*os.File, error) {
	if b.f == nil {
		return nil, errors.Wrapf(recovery.ErrConnLost, "%s is not open", b.path)
	}
	return b.f, nil
}

// ioErr reports errors of a file on a storage server that went away as a
// lost connection.
func (b *File) ioErr(err error, op string) error {
	switch {
	case errors.Is(err, unix.ESTALE), errors.Is(err, unix.ENOTCONN), errors.Is(err, unix.ENODEV):
		return errors.Wrapf(recovery.ErrConnLost, "%s %s: %v", op, b.path, err)
	}
	return errors.Wrapf(err, "%s %s", op, b.path)
}

func (b *File) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, err := b.file()
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, b.ioErr(err, "read")
	}
	return n, err
}

func (b *File) WriteAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, err := b.file()
	if err != nil {
		return 0, err
	}
	n, err := f.WriteAt(p, off)
	if err != nil {
		return n, b.ioErr(err, "write")
	}
	return n, nil
}

func (b *File) Sync() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, err := b.file()
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return b.ioErr(err, "sync")
	}
	return nil
}

// Unmap punches a hole over the byte range, keeping the file size.
func (b *File) Unmap(off, length int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, err := b.file()
	if err != nil {
		return err
	}
	err = unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
	if err != nil {
		return b.ioErr(err, "punch hole in")
	}
	return nil
}

// Lock takes an exclusive advisory lock on the file. It is released when the
// file is closed.
func (b *File) Lock() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, err := b.file()
	if err != nil {
		return err
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrLocked
	}
	if err != nil {
		return b.ioErr(err, "lock")
	}
	return nil
}
