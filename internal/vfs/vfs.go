package vfs

import (
	"sync"

	"argentum/internal/kerr"
)

// VFS is the whole mounted namespace: a path-node tree rooted at root
// plus the set of live FS services (fs_root and the mount table).
type VFS struct {
	mu   sync.Mutex
	root *PathNode
}

// NewVFS creates a namespace whose root directory is served by rootFS
// at inode rootIno (the boot-time equivalent of mounting the root
// filesystem before anything else exists).
func NewVFS(rootIno uint32, rootFS *FS) *VFS {
	return &VFS{root: newRoot(rootIno, rootFS)}
}

// NewFS wraps ops into a running filesystem service with its own
// worker pool (fs_mount's "instantiates the named filesystem
// service"). workers <= 0 uses fsWorkerCount.
func NewFS(name string, dev uint32, ops FSOps, workers int) *FS {
	return newFS(name, dev, ops, workers)
}

// Mount resolves path and attaches fs's root inode as an overlay on
// the resolved node, so traversals crossing that node transparently
// continue inside fs (fs_mount).
func (v *VFS) Mount(at *PathNode, path string, fs *FS, rootIno uint32) kerr.Err {
	node, parent, err := v.resolve(at, path, 0)
	if err != kerr.None {
		return err
	}
	parent.unref()
	// The reference resolve returned on node is kept for the life of
	// the mount, so the mount point is never pruned from the cache.
	node.mount(rootIno, fs)
	return kerr.None
}

// lookupChild resolves name within dir, consulting the path-node
// cache first and falling back to an IPC lookup against dir's owning
// (or mount-overlay) FS on a miss (fs_path_node_lookup).
func (v *VFS) lookupChild(dir *PathNode, name string) (*PathNode, kerr.Err) {
	name = normalizeName(name)
	if hit := dir.lookupCached(name); hit != nil {
		return hit.ref(), kerr.None
	}

	dirIno, fs := dir.resolved()
	ino, err := fs.Lookup(dirIno, name)
	if err != kerr.None {
		return nil, err
	}

	if hit := dir.lookupCached(name); hit != nil {
		return hit.ref(), kerr.None
	}

	return newChild(dir, name, ino, fs), kerr.None
}

// Open flags, matching the O_* bits the open(2) shape in spec §6
// expects. Only the bits fs_open and the permission checks care about
// are modeled; the rest are opaque pass-through for FSOps.
const (
	ORdOnly = 0
	OWrOnly = 1
	ORdWr   = 2
	OAccMode = 3

	OCreat = 1 << 6
	OExcl  = 1 << 7
	OTrunc = 1 << 9
	OAppend = 1 << 10
)

// Channel is a process's handle to an opened file (spec §3
// "Channel"): the resolved PathNode it was opened against, the flags
// it was opened with, and a read/write offset. Teardown (Close) drops
// the PathNode reference the open acquired.
type Channel struct {
	mu sync.Mutex

	node  *PathNode
	flags int
	mode  uint32

	offset int64
}

// Open resolves path relative to start (fs_open): creates the file
// first if OCreat is set and it does not already exist, then checks
// access and returns a Channel ref-holding the resolved PathNode.
func (v *VFS) Open(start *PathNode, path string, flags int, mode uint32, uid, gid int32) (*Channel, kerr.Err) {
	lookupFlags := 0
	if flags&OCreat == 0 {
		lookupFlags = LookupFollow
	}

	node, parent, err := v.resolve(start, path, lookupFlags)
	if err == kerr.ENOENT && flags&OCreat != 0 && parent != nil {
		dirIno, fs := parent.resolved()
		name := lastComponent(path)
		ino, cerr := fs.Create(dirIno, name, (mode&ModePermMask)|ModeReg, uid, gid)
		if cerr != kerr.None {
			parent.unref()
			return nil, cerr
		}
		node = newChild(parent, name, ino, fs)
		parent.unref()
		return v.finishOpen(node, flags, mode, uid, gid)
	}
	if err != kerr.None {
		if parent != nil {
			parent.unref()
		}
		return nil, err
	}
	parent.unref()
	if flags&OCreat != 0 && flags&OExcl != 0 {
		node.unref()
		return nil, kerr.EEXIST
	}
	return v.finishOpen(node, flags, mode, uid, gid)
}

func lastComponent(path string) string {
	comps := splitPath(path)
	if len(comps) == 0 {
		return ""
	}
	return comps[len(comps)-1]
}

func (v *VFS) finishOpen(node *PathNode, flags int, mode uint32, uid, gid int32) (*Channel, kerr.Err) {
	ino, fs := node.resolved()
	st, err := fs.InodeGet(ino)
	if err != kerr.None {
		node.unref()
		return nil, err
	}

	want := accessForFlags(flags)
	if !checkAccess(st, uid, gid, want) {
		node.unref()
		return nil, kerr.EACCES
	}

	if flags&OTrunc != 0 && st.Mode&ModeTypeMask == ModeReg {
		if terr := fs.Trunc(ino, 0); terr != kerr.None {
			node.unref()
			return nil, terr
		}
	}

	ch := &Channel{node: node, flags: flags, mode: mode}
	if flags&OAppend != 0 {
		ch.offset = st.Size
	}
	return ch, kerr.None
}

// Close releases the Channel's reference on its PathNode (fs_open's
// note that channel teardown drops the FS-side reference; here that
// reference is the PathNode ref itself, since the FS-side File record
// this package keeps no separate hash for is just the Channel).
func (ch *Channel) Close() {
	ch.mu.Lock()
	node := ch.node
	ch.node = nil
	ch.mu.Unlock()
	if node != nil {
		node.unref()
	}
}

// Read reads into buf at the channel's current offset, advancing it
// (spec §4.I "Reading/writing": cap at inode.size - offset for regular
// files, update atime).
func (ch *Channel) Read(buf []byte) (int, kerr.Err) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.node == nil {
		return 0, kerr.EINVAL
	}

	ino, fs := ch.node.resolved()
	st, err := fs.InodeGet(ino)
	if err != kerr.None {
		return 0, err
	}
	if st.Mode&ModeTypeMask == ModeReg {
		remaining := st.Size - ch.offset
		if remaining <= 0 {
			return 0, kerr.None
		}
		if int64(len(buf)) > remaining {
			buf = buf[:remaining]
		}
	}

	n, rerr := fs.Read(ino, buf, ch.offset)
	if rerr != kerr.None {
		return 0, rerr
	}
	ch.offset += int64(n)
	return n, kerr.None
}

// Write writes buf at the channel's current offset, extending the
// file as needed and advancing the offset (spec §4.I "Reading/
// writing": mtime/ctime updated, size raised).
func (ch *Channel) Write(buf []byte) (int, kerr.Err) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.node == nil {
		return 0, kerr.EINVAL
	}

	ino, fs := ch.node.resolved()
	offset := ch.offset
	if ch.flags&OAppend != 0 {
		st, serr := fs.InodeGet(ino)
		if serr != kerr.None {
			return 0, serr
		}
		offset = st.Size
	}

	n, err := fs.Write(ino, buf, offset)
	if err != kerr.None {
		return 0, err
	}
	ch.offset = offset + int64(n)
	return n, kerr.None
}

// Seek repositions the channel's offset, matching lseek's whence
// values (0 = set, 1 = cur, 2 = end).
func (ch *Channel) Seek(offset int64, whence int) (int64, kerr.Err) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.node == nil {
		return 0, kerr.EINVAL
	}
	switch whence {
	case 0:
		ch.offset = offset
	case 1:
		ch.offset += offset
	case 2:
		ino, fs := ch.node.resolved()
		st, err := fs.InodeGet(ino)
		if err != kerr.None {
			return 0, err
		}
		ch.offset = st.Size + offset
	default:
		return 0, kerr.EINVAL
	}
	if ch.offset < 0 {
		ch.offset = 0
		return 0, kerr.EINVAL
	}
	return ch.offset, kerr.None
}

// Readdir scans the channel's directory starting at its own offset,
// invoking fn for each entry (spec §4.I "Directory semantics": a
// single-entry callback model, offset advances by record length).
func (ch *Channel) Readdir(fn func(DirEntry) bool) kerr.Err {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.node == nil {
		return kerr.EINVAL
	}
	ino, fs := ch.node.resolved()

	var last int64
	err := fs.Readdir(ino, ch.offset, func(e DirEntry) bool {
		last = e.Offset
		return fn(e)
	})
	if err == kerr.None {
		ch.offset = last
	}
	return err
}

// Mkdir, Create, Unlink, Rmdir, Link, and Symlink implement spec
// §4.I "Directory semantics": each checks the name does not already
// exist (via resolve's ENOENT) before asking the owning FS to mutate.

func (v *VFS) Mkdir(start *PathNode, path string, mode uint32, uid, gid int32) kerr.Err {
	_, parent, err := v.lookupParent(start, path)
	if err != kerr.None {
		return err
	}
	defer parent.unref()
	dirIno, fs := parent.resolved()
	_, cerr := fs.Mkdir(dirIno, lastComponent(path), (mode&ModePermMask)|ModeDir, uid, gid)
	return cerr
}

func (v *VFS) Mknod(start *PathNode, path string, mode, rdev uint32, uid, gid int32) kerr.Err {
	_, parent, err := v.lookupParent(start, path)
	if err != kerr.None {
		return err
	}
	defer parent.unref()
	dirIno, fs := parent.resolved()
	_, cerr := fs.Mknod(dirIno, lastComponent(path), mode, rdev, uid, gid)
	return cerr
}

func (v *VFS) Symlink(start *PathNode, path, target string, uid, gid int32) kerr.Err {
	_, parent, err := v.lookupParent(start, path)
	if err != kerr.None {
		return err
	}
	defer parent.unref()
	dirIno, fs := parent.resolved()
	_, cerr := fs.Symlink(dirIno, lastComponent(path), target, uid, gid)
	return cerr
}

func (v *VFS) Link(start *PathNode, oldPath, newPath string) kerr.Err {
	old, oldParent, err := v.resolve(start, oldPath, LookupFollow)
	if err != kerr.None {
		return err
	}
	oldParent.unref()
	defer old.unref()

	_, newParent, perr := v.lookupParent(start, newPath)
	if perr != kerr.None {
		return perr
	}
	defer newParent.unref()

	oldIno, oldFS := old.resolved()
	dirIno, dirFS := newParent.resolved()
	if oldFS != dirFS {
		return kerr.EXDEV
	}
	return dirFS.Link(dirIno, lastComponent(newPath), oldIno)
}

func (v *VFS) Unlink(start *PathNode, path string) kerr.Err {
	node, parent, err := v.resolve(start, path, 0)
	if err != kerr.None {
		return err
	}
	defer node.unref()
	defer parent.unref()
	dirIno, fs := parent.resolved()
	return fs.Unlink(dirIno, lastComponent(path))
}

func (v *VFS) Rmdir(start *PathNode, path string) kerr.Err {
	node, parent, err := v.resolve(start, path, 0)
	if err != kerr.None {
		return err
	}
	defer node.unref()
	defer parent.unref()
	dirIno, fs := parent.resolved()
	return fs.Rmdir(dirIno, lastComponent(path))
}

func (v *VFS) Readlink(start *PathNode, path string) (string, kerr.Err) {
	node, parent, err := v.resolve(start, path, 0)
	if err != kerr.None {
		return "", err
	}
	parent.unref()
	defer node.unref()
	ino, fs := node.resolved()
	return fs.Readlink(ino)
}

// Chdir resolves path to a directory and returns a referenced PathNode
// a process can install as its cwd (fs_open's ModeDir branch, split
// out since chdir needs the node itself rather than a Channel). The
// caller owns the returned node's reference and must eventually drop
// it via PathNode.Unref.
func (v *VFS) Chdir(start *PathNode, path string, uid, gid int32) (*PathNode, kerr.Err) {
	node, parent, err := v.resolve(start, path, LookupFollow)
	if err != kerr.None {
		return nil, err
	}
	parent.unref()

	ino, fs := node.resolved()
	st, serr := fs.InodeGet(ino)
	if serr != kerr.None {
		node.unref()
		return nil, serr
	}
	if st.Mode&ModeTypeMask != ModeDir {
		node.unref()
		return nil, kerr.ENOTDIR
	}
	if !checkAccess(st, uid, gid, 0o1) {
		node.unref()
		return nil, kerr.EACCES
	}
	return node, kerr.None
}

func (v *VFS) Stat(start *PathNode, path string, follow bool) (Stat, kerr.Err) {
	flags := 0
	if follow {
		flags = LookupFollow
	}
	node, parent, err := v.resolve(start, path, flags)
	if err != kerr.None {
		return Stat{}, err
	}
	parent.unref()
	defer node.unref()
	ino, fs := node.resolved()
	return fs.InodeGet(ino)
}

// lookupParent resolves path's final component's containing directory
// and confirms the name itself does not already exist (create/mkdir/
// mknod/symlink's shared "name must be free" precondition).
func (v *VFS) lookupParent(start *PathNode, path string) (*PathNode, *PathNode, kerr.Err) {
	node, parent, err := v.resolve(start, path, 0)
	if err == kerr.None {
		node.unref()
		parent.unref()
		return nil, nil, kerr.EEXIST
	}
	if err != kerr.ENOENT {
		if parent != nil {
			parent.unref()
		}
		return nil, nil, err
	}
	return nil, parent, kerr.None
}

// accessForFlags maps open(2) flags to the rwx bits Read/Write need
// (fs_open's access check ahead of the FSOps call).
func accessForFlags(flags int) uint32 {
	switch flags & OAccMode {
	case OWrOnly:
		return 0o2
	case ORdWr:
		return 0o6
	default:
		return 0o4
	}
}

// checkAccess implements spec §4.I "Permission checks": classic POSIX
// owner/group/other bits, root (uid 0) bypassing read and write but
// still honoring execute when any execute bit is set.
func checkAccess(st Stat, uid, gid int32, want uint32) bool {
	perm := st.Mode & ModePermMask

	var bits uint32
	switch {
	case uid == 0:
		bits = 0o6
		if perm&0o111 != 0 {
			bits |= 0o1
		}
		if want&^bits == 0 {
			return true
		}
		return false
	case uid == st.UID:
		bits = (perm >> 6) & 0o7
	case gid == st.GID:
		bits = (perm >> 3) & 0o7
	default:
		bits = perm & 0o7
	}
	return want&bits == want
}
