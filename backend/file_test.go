package backend

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/agrover/tcmu-runner/recovery"
)

func tempFile(t *testing.T, size int) string {
	p := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, ioutil.WriteFile(p, make([]byte, size), 0600))
	return p
}

func TestFileReadWrite(t *testing.T) {
	b := NewFile(tempFile(t, 4096))
	require.NoError(t, b.Open())
	defer b.Close()

	n, err := b.WriteAt([]byte("hello"), 512)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, b.Sync())

	buf := make([]byte, 5)
	_, err = b.ReadAt(buf, 512)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	size, err := b.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)
}

func TestFileClosed(t *testing.T) {
	b := NewFile(tempFile(t, 4096))

	_, err := b.ReadAt(make([]byte, 1), 0)
	assert.True(t, errors.Is(err, recovery.ErrConnLost), "got %v", err)
	_, err = b.WriteAt(make([]byte, 1), 0)
	assert.True(t, errors.Is(err, recovery.ErrConnLost), "got %v", err)

	require.NoError(t, b.Open())
	b.Close()
	// closing twice is harmless
	b.Close()
	assert.True(t, errors.Is(b.Sync(), recovery.ErrConnLost))
}

func TestFileOpenMissing(t *testing.T) {
	b := NewFile(filepath.Join(t.TempDir(), "missing.img"))
	assert.Error(t, b.Open())
	_, err := b.Size()
	assert.Error(t, err)
}

func TestFileUnmap(t *testing.T) {
	p := tempFile(t, 0)
	b := NewFile(p)
	require.NoError(t, b.Open())
	defer b.Close()

	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = 0xab
	}
	_, err := b.WriteAt(data, 0)
	require.NoError(t, err)

	err = b.Unmap(0, 32*1024)
	if errors.Is(err, unix.EOPNOTSUPP) {
		t.Skip("file system does not support punching holes")
	}
	require.NoError(t, err)

	buf := make([]byte, len(data))
	_, err = b.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32*1024), buf[:32*1024])
	assert.Equal(t, data[32*1024:], buf[32*1024:])

	size, err := b.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
}

func TestFileLock(t *testing.T) {
	p := tempFile(t, 4096)
	a := NewFile(p)
	require.NoError(t, a.Open())
	defer a.Close()
	require.NoError(t, a.Lock())

	b := NewFile(p)
	require.NoError(t, b.Open())
	defer b.Close()
	assert.Equal(t, ErrLocked, b.Lock())

	// reopening drops the lock
	a.Close()
	assert.NoError(t, b.Lock())
}

func TestNull(t *testing.T) {
	var n Null
	require.NoError(t, n.Open())
	defer n.Close()

	buf := []byte{1, 2, 3}
	c, err := n.ReadAt(buf, 1<<40)
	require.NoError(t, err)
	assert.Equal(t, 3, c)
	assert.Equal(t, []byte{0, 0, 0}, buf)

	c, err = n.WriteAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, c)
	assert.NoError(t, n.Sync())
	assert.NoError(t, n.Unmap(0, 4096))
}
