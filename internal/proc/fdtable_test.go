package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argentum/internal/kerr"
	"argentum/internal/vfs"
)

func newTestVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	fs := vfs.NewFS("mem", 0, vfs.NewMemFS(), 2)
	return vfs.NewVFS(1, fs)
}

func openTestFile(t *testing.T, v *vfs.VFS, path string) *vfs.Channel {
	t.Helper()
	ch, err := v.Open(nil, path, vfs.OCreat|vfs.ORdWr, 0o644, 0, 0)
	require.Equal(t, kerr.None, err)
	return ch
}

func TestFdTable_AddGetClose(t *testing.T) {
	v := newTestVFS(t)
	ch := openTestFile(t, v, "/a")

	tbl := newFdTable()
	n, err := tbl.add(ch, FDRead|FDWrite)
	require.Equal(t, kerr.None, err)
	assert.Equal(t, 0, n, "the first descriptor allocated must be fd 0")

	f, err := tbl.get(n)
	require.Equal(t, kerr.None, err)
	assert.Same(t, ch, f.channel)

	require.Equal(t, kerr.None, tbl.close(n))
	_, err = tbl.get(n)
	assert.Equal(t, kerr.EBADF, err)
}

func TestFdTable_CloseUnknownReturnsEBADF(t *testing.T) {
	tbl := newFdTable()
	assert.Equal(t, kerr.EBADF, tbl.close(3))
}

func TestFdTable_ReusesLowestFreedNumber(t *testing.T) {
	v := newTestVFS(t)
	tbl := newFdTable()

	a, _ := tbl.add(openTestFile(t, v, "/a"), FDRead)
	b, _ := tbl.add(openTestFile(t, v, "/b"), FDRead)
	require.Equal(t, kerr.None, tbl.close(a))

	c, _ := tbl.add(openTestFile(t, v, "/c"), FDRead)
	assert.Equal(t, a, c, "a freed low-numbered fd must be reused before allocating a new one")
	assert.NotEqual(t, b, c)
}

func TestFdTable_CloneSharesUnderlyingChannelPointers(t *testing.T) {
	v := newTestVFS(t)
	ch := openTestFile(t, v, "/shared")

	tbl := newFdTable()
	n, _ := tbl.add(ch, FDRead|FDWrite)

	clone := tbl.clone()
	f, err := clone.get(n)
	require.Equal(t, kerr.None, err)
	assert.Same(t, ch, f.channel, "fork must share the same open file description, not duplicate it")
}

func TestFork_ClonesFdTableAndCwd(t *testing.T) {
	k, s := newTestKernel(t, 2)
	v := newTestVFS(t)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		root, rerr := v.Chdir(nil, "/", 0, 0)
		require.Equal(t, kerr.None, rerr)
		p.SetCwd(root)

		ch := openTestFile(t, v, "/parentfile")
		fdno, aerr := p.AddFile(ch, FDRead|FDWrite)
		require.Equal(t, kerr.None, aerr)

		child, ferr := p.Fork(false)
		require.Equal(t, kerr.None, ferr)

		got, gerr := child.File(fdno)
		require.Equal(t, kerr.None, gerr)
		assert.Same(t, ch, got)

		require.NotNil(t, child.Cwd())
		assert.Equal(t, p.Cwd().Path(), child.Cwd().Path())

		close(done)
	}, 10)

	runAllCPUs(s, 2)
	waitProcOrTimeout(t, done)
}

func TestExit_ClosesOpenFilesAndDropsCwd(t *testing.T) {
	k, s := newTestKernel(t, 1)
	v := newTestVFS(t)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		root, rerr := v.Chdir(nil, "/", 0, 0)
		require.Equal(t, kerr.None, rerr)
		p.SetCwd(root)

		ch := openTestFile(t, v, "/leftopen")
		_, aerr := p.AddFile(ch, FDRead)
		require.Equal(t, kerr.None, aerr)

		p.exit(0)

		p.mu.Lock()
		cwd := p.cwd
		p.mu.Unlock()
		assert.Nil(t, cwd, "exit must drop the cwd reference")

		_, gerr := p.File(0)
		assert.Equal(t, kerr.EBADF, gerr, "exit must close every open descriptor")

		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
}
