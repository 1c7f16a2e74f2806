package proc

import (
	"sync"

	"argentum/internal/kerr"
	"argentum/internal/vfs"
)

// File descriptor permission bits, ported from biscuit/src/fd/fd.go's
// FD_READ/FD_WRITE/FD_CLOEXEC.
const (
	FDRead    = 0x1
	FDWrite   = 0x2
	FDCloexec = 0x4
)

// maxFds bounds how many descriptors a single process may hold open,
// standing in for limits.Syslimit_t's per-process fd cap.
const maxFds = 256

// fd is an open file descriptor: a Channel plus the permission bits a
// process associates with that number, ported from
// biscuit/src/fd/fd.go's Fd_t.
type fd struct {
	channel *vfs.Channel
	perms   int
}

// fdTable is a process's open-file-descriptor table (spec §3's
// "Process: ... file descriptor table"), grounded on
// biscuit/src/fd/fd.go's Fd_t/Copyfd and process_copy's "clones FD
// table, bumping per-Channel refcounts" (spec §4.H). vfs.Channel has
// no refcount of its own, so a forked child's table holds the very
// same *vfs.Channel pointers as its parent: sharing, not copying, the
// open file description and its seek offset, exactly as POSIX fork
// specifies.
type fdTable struct {
	mu    sync.Mutex
	files map[int]*fd
	next  int
}

func newFdTable() *fdTable {
	return &fdTable{files: map[int]*fd{}}
}

// add installs ch as a new descriptor with the given permission bits,
// returning the lowest unused number (the C source's linear free-slot
// scan).
func (t *fdTable) add(ch *vfs.Channel, perms int) (int, kerr.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.files) >= maxFds {
		return 0, kerr.EMFILE
	}
	n := 0
	for {
		if _, used := t.files[n]; !used {
			break
		}
		n++
	}
	t.files[n] = &fd{channel: ch, perms: perms}
	t.next = n + 1
	return n, kerr.None
}

func (t *fdTable) get(n int) (*fd, kerr.Err) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[n]
	if !ok {
		return nil, kerr.EBADF
	}
	return f, kerr.None
}

// close removes n from the table and closes its Channel.
func (t *fdTable) close(n int) kerr.Err {
	t.mu.Lock()
	f, ok := t.files[n]
	if ok {
		delete(t.files, n)
	}
	t.mu.Unlock()
	if !ok {
		return kerr.EBADF
	}
	f.channel.Close()
	return kerr.None
}

// closeAll closes every open descriptor (process_destroy's "Closes
// FDs").
func (t *fdTable) closeAll() {
	t.mu.Lock()
	files := t.files
	t.files = map[int]*fd{}
	t.mu.Unlock()
	for _, f := range files {
		f.channel.Close()
	}
}

// clone duplicates the table for a forked child (process_copy's
// unconditional FD-table clone; FDCloexec is honored by the syscall
// layer's exec path, not here).
func (t *fdTable) clone() *fdTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := newFdTable()
	for k, f := range t.files {
		cp := *f
		n.files[k] = &cp
	}
	n.next = t.next
	return n
}

// AddFile installs an already-opened Channel into p's descriptor
// table with the given permission bits, returning its fd number
// (fs_open's final step once the Channel itself has been resolved).
func (p *Process) AddFile(ch *vfs.Channel, perms int) (int, kerr.Err) {
	return p.fds.add(ch, perms)
}

// File returns the Channel installed at fd, or EBADF.
func (p *Process) File(fdno int) (*vfs.Channel, kerr.Err) {
	f, err := p.fds.get(fdno)
	if err != kerr.None {
		return nil, err
	}
	return f.channel, kerr.None
}

// CloseFile closes and removes fd from p's table (the close(2) path).
func (p *Process) CloseFile(fdno int) kerr.Err {
	return p.fds.close(fdno)
}

// Cwd returns p's current working directory node, or nil if none has
// been established yet (a freshly Spawn'd process before its first
// Chdir).
func (p *Process) Cwd() *vfs.PathNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// SetCwd installs node as p's working directory, dropping the
// reference on whatever it previously held. Callers pass a node they
// already own a reference to (vfs.VFS.Chdir's return, or an explicit
// PathNode.Ref()); SetCwd takes ownership of that reference.
func (p *Process) SetCwd(node *vfs.PathNode) {
	p.mu.Lock()
	old := p.cwd
	p.cwd = node
	p.mu.Unlock()
	if old != nil {
		old.Unref()
	}
}
