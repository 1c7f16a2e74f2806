package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argentum/internal/chardev"
	"argentum/internal/kerr"
)

func newDevVFS(t *testing.T) *VFS {
	t.Helper()
	chars := chardev.NewRegistry()
	// "zero" (rdev 0x0202) and "null" (rdev 0x0203) share major 2; one
	// driver per major is registered and told apart by rdev internally,
	// so only one of the two minors can be exercised through a plain
	// chardev.ZeroDevice/NullDevice stand-in at a time.
	chars.Register(2, chardev.ZeroDevice{})
	fs := NewFS("devfs", 0, NewDevFS(chars), 2)
	return NewVFS(devfsRootIno, fs)
}

func TestDevFS_LookupFindsStaticDevices(t *testing.T) {
	v := newDevVFS(t)

	st, err := v.Stat(v.root, "/zero", true)
	require.Equal(t, kerr.None, err)
	assert.Equal(t, uint32(ModeChr|0o666), st.Mode)
	assert.Equal(t, uint32(0x0202), st.Rdev)
}

func TestDevFS_ReaddirListsAllEntries(t *testing.T) {
	v := newDevVFS(t)

	dirCh, err := v.Open(v.root, "/", ORdOnly, 0, 0, 0)
	require.Equal(t, kerr.None, err)
	defer dirCh.Close()

	var names []string
	rerr := dirCh.Readdir(func(e DirEntry) bool {
		names = append(names, e.Name)
		return true
	})
	require.Equal(t, kerr.None, rerr)
	assert.Contains(t, names, "tty0")
	assert.Contains(t, names, "zero")
	assert.Contains(t, names, "null")
}

func TestDevFS_MutatingOpsReturnEROFS(t *testing.T) {
	v := newDevVFS(t)

	assert.Equal(t, kerr.EROFS, v.Mkdir(v.root, "/newdir", 0o755, 0, 0))
	_, err := v.Open(v.root, "/newfile", OCreat, 0o644, 0, 0)
	assert.Equal(t, kerr.EROFS, err)
	assert.Equal(t, kerr.EROFS, v.Symlink(v.root, "/link", "/zero", 0, 0))
	assert.Equal(t, kerr.EROFS, v.Unlink(v.root, "/zero"))
}

func TestDevFS_ReadWriteDispatchesToRegisteredCharDevice(t *testing.T) {
	v := newDevVFS(t)

	ch, err := v.Open(v.root, "/zero", ORdOnly, 0, 0, 0)
	require.Equal(t, kerr.None, err)
	defer ch.Close()

	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = 0xff
	}
	n, rerr := ch.Read(buf)
	require.Equal(t, kerr.None, rerr)
	assert.Equal(t, len(buf), n)
	for _, b := range buf {
		assert.Equal(t, byte(0), b, "/dev/zero must read back all zero bytes")
	}
}

func TestDevFS_UnregisteredMajorReturnsENODEV(t *testing.T) {
	fs := NewFS("devfs", 0, NewDevFS(chardev.NewRegistry()), 2)
	v := NewVFS(devfsRootIno, fs)

	ch, err := v.Open(v.root, "/tty0", ORdOnly, 0, 0, 0)
	require.Equal(t, kerr.None, err)
	defer ch.Close()

	_, rerr := ch.Read(make([]byte, 4))
	assert.Equal(t, kerr.ENODEV, rerr, "a character device with no driver registered for its major must surface ENODEV")
}
