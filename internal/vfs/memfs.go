package vfs

import (
	"sort"
	"sync"
	"time"

	"argentum/internal/kerr"
)

// memInode is one in-memory file's backing store: POSIX metadata plus
// whichever payload its type needs (regular file bytes, a directory's
// name->ino map, or a symlink target).
type memInode struct {
	mode  uint32
	nlink uint32
	uid   int32
	gid   int32
	rdev  uint32

	data   []byte
	dir    map[string]uint32
	target string

	atime, mtime, ctime time.Time
}

const memFSRootIno = 1

// MemFS is an in-memory writable filesystem (spec §4.I's mountable
// root, adapted from biscuit's ufs test harness: instead of driving a
// real fs.Fs_t over a simulated block device, MemFS simply *is* the
// filesystem, since the on-disk layout ufs.go exercises is out of
// scope per spec §1).
type MemFS struct {
	mu      sync.Mutex
	inodes  map[uint32]*memInode
	nextIno uint32
}

// NewMemFS creates a filesystem containing only its root directory.
func NewMemFS() *MemFS {
	now := time.Now()
	m := &MemFS{
		inodes:  map[uint32]*memInode{},
		nextIno: memFSRootIno,
	}
	root := &memInode{
		mode:  ModeDir | 0o755,
		nlink: 2,
		dir:   map[string]uint32{},
		atime: now, mtime: now, ctime: now,
	}
	m.inodes[memFSRootIno] = root
	m.nextIno = memFSRootIno + 1
	return m
}

func (m *MemFS) alloc(mode uint32, uid, gid int32) (uint32, *memInode) {
	now := time.Now()
	ino := m.nextIno
	m.nextIno++
	ip := &memInode{
		mode: mode, nlink: 1, uid: uid, gid: gid,
		atime: now, mtime: now, ctime: now,
	}
	if mode&ModeTypeMask == ModeDir {
		ip.dir = map[string]uint32{}
		ip.nlink = 2
	}
	m.inodes[ino] = ip
	return ino, ip
}

func (m *MemFS) get(ino uint32) (*memInode, kerr.Err) {
	ip, ok := m.inodes[ino]
	if !ok {
		return nil, kerr.ENOENT
	}
	return ip, kerr.None
}

func (m *MemFS) InodeGet(ino uint32) (Stat, kerr.Err) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, err := m.get(ino)
	if err != kerr.None {
		return Stat{}, err
	}
	size := int64(len(ip.data))
	if ip.mode&ModeTypeMask == ModeDir {
		size = int64(len(ip.dir))
	}
	return Stat{
		Mode: ip.mode, Nlink: ip.nlink, UID: ip.uid, GID: ip.gid,
		Size: size, Rdev: ip.rdev,
		Atime: ip.atime, Mtime: ip.mtime, Ctime: ip.ctime,
	}, kerr.None
}

func (m *MemFS) InodeWrite(ino uint32, st Stat) kerr.Err {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, err := m.get(ino)
	if err != kerr.None {
		return err
	}
	ip.mode, ip.nlink, ip.uid, ip.gid, ip.rdev = st.Mode, st.Nlink, st.UID, st.GID, st.Rdev
	ip.atime, ip.mtime, ip.ctime = st.Atime, st.Mtime, st.Ctime
	return kerr.None
}

func (m *MemFS) InodeDelete(ino uint32) kerr.Err {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inodes, ino)
	return kerr.None
}

func (m *MemFS) Read(ino uint32, buf []byte, offset int64) (int, kerr.Err) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, err := m.get(ino)
	if err != kerr.None {
		return 0, err
	}
	if offset >= int64(len(ip.data)) {
		return 0, kerr.None
	}
	n := copy(buf, ip.data[offset:])
	ip.atime = time.Now()
	return n, kerr.None
}

func (m *MemFS) Write(ino uint32, buf []byte, offset int64) (int, kerr.Err) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, err := m.get(ino)
	if err != kerr.None {
		return 0, err
	}
	end := offset + int64(len(buf))
	if end > int64(len(ip.data)) {
		grown := make([]byte, end)
		copy(grown, ip.data)
		ip.data = grown
	}
	copy(ip.data[offset:end], buf)
	ip.mtime, ip.ctime = time.Now(), time.Now()
	return len(buf), kerr.None
}

func (m *MemFS) Trunc(ino uint32, size int64) kerr.Err {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, err := m.get(ino)
	if err != kerr.None {
		return err
	}
	if size < 0 {
		return kerr.EINVAL
	}
	if size <= int64(len(ip.data)) {
		ip.data = ip.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, ip.data)
		ip.data = grown
	}
	ip.mtime, ip.ctime = time.Now(), time.Now()
	return kerr.None
}

func (m *MemFS) Lookup(dirIno uint32, name string) (uint32, kerr.Err) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, err := m.get(dirIno)
	if err != kerr.None {
		return 0, err
	}
	if dir.mode&ModeTypeMask != ModeDir {
		return 0, kerr.ENOTDIR
	}
	if name == "." {
		return dirIno, kerr.None
	}
	ino, ok := dir.dir[name]
	if !ok {
		return 0, kerr.ENOENT
	}
	return ino, kerr.None
}

func (m *MemFS) makeEntry(dirIno uint32, name string, mode uint32, uid, gid int32) (uint32, kerr.Err) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, err := m.get(dirIno)
	if err != kerr.None {
		return 0, err
	}
	if dir.mode&ModeTypeMask != ModeDir {
		return 0, kerr.ENOTDIR
	}
	if _, exists := dir.dir[name]; exists {
		return 0, kerr.EEXIST
	}
	ino, _ := m.alloc(mode, uid, gid)
	dir.dir[name] = ino
	dir.mtime = time.Now()
	return ino, kerr.None
}

func (m *MemFS) Create(dirIno uint32, name string, mode uint32, uid, gid int32) (uint32, kerr.Err) {
	return m.makeEntry(dirIno, name, (mode&ModePermMask)|ModeReg, uid, gid)
}

func (m *MemFS) Mkdir(dirIno uint32, name string, mode uint32, uid, gid int32) (uint32, kerr.Err) {
	ino, err := m.makeEntry(dirIno, name, (mode&ModePermMask)|ModeDir, uid, gid)
	if err != kerr.None {
		return 0, err
	}
	m.mu.Lock()
	parent, _ := m.get(dirIno)
	parent.nlink++
	m.mu.Unlock()
	return ino, kerr.None
}

func (m *MemFS) Mknod(dirIno uint32, name string, mode, rdev uint32, uid, gid int32) (uint32, kerr.Err) {
	ino, err := m.makeEntry(dirIno, name, mode, uid, gid)
	if err != kerr.None {
		return 0, err
	}
	m.mu.Lock()
	m.inodes[ino].rdev = rdev
	m.mu.Unlock()
	return ino, kerr.None
}

func (m *MemFS) Symlink(dirIno uint32, name, target string, uid, gid int32) (uint32, kerr.Err) {
	ino, err := m.makeEntry(dirIno, name, ModeLnk|0o777, uid, gid)
	if err != kerr.None {
		return 0, err
	}
	m.mu.Lock()
	m.inodes[ino].target = target
	m.mu.Unlock()
	return ino, kerr.None
}

func (m *MemFS) Link(dirIno uint32, name string, ino uint32) kerr.Err {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, err := m.get(dirIno)
	if err != kerr.None {
		return err
	}
	if dir.mode&ModeTypeMask != ModeDir {
		return kerr.ENOTDIR
	}
	if _, exists := dir.dir[name]; exists {
		return kerr.EEXIST
	}
	target, err := m.get(ino)
	if err != kerr.None {
		return err
	}
	if target.mode&ModeTypeMask == ModeDir {
		return kerr.EPERM
	}
	dir.dir[name] = ino
	target.nlink++
	dir.mtime = time.Now()
	return kerr.None
}

func (m *MemFS) Unlink(dirIno uint32, name string) kerr.Err {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, err := m.get(dirIno)
	if err != kerr.None {
		return err
	}
	ino, ok := dir.dir[name]
	if !ok {
		return kerr.ENOENT
	}
	target, terr := m.get(ino)
	if terr != kerr.None {
		return terr
	}
	if target.mode&ModeTypeMask == ModeDir {
		return kerr.EISDIR
	}
	delete(dir.dir, name)
	target.nlink--
	dir.mtime = time.Now()
	return kerr.None
}

func (m *MemFS) Rmdir(dirIno uint32, name string) kerr.Err {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, err := m.get(dirIno)
	if err != kerr.None {
		return err
	}
	ino, ok := dir.dir[name]
	if !ok {
		return kerr.ENOENT
	}
	target, terr := m.get(ino)
	if terr != kerr.None {
		return terr
	}
	if target.mode&ModeTypeMask != ModeDir {
		return kerr.ENOTDIR
	}
	if len(target.dir) != 0 {
		return kerr.ENOTEMPTY
	}
	delete(dir.dir, name)
	dir.nlink--
	dir.mtime = time.Now()
	return kerr.None
}

func (m *MemFS) Readdir(ino uint32, offset int64, fn func(DirEntry) bool) kerr.Err {
	m.mu.Lock()
	ip, err := m.get(ino)
	if err != kerr.None {
		m.mu.Unlock()
		return err
	}
	if ip.mode&ModeTypeMask != ModeDir {
		m.mu.Unlock()
		return kerr.ENOTDIR
	}
	names := make([]string, 0, len(ip.dir))
	for name := range ip.dir {
		names = append(names, name)
	}
	sort.Strings(names) // stable ordering so offset-based resume is meaningful
	entries := make([]DirEntry, 0, len(names))
	for i, name := range names {
		entries = append(entries, DirEntry{Name: name, Ino: ip.dir[name], Offset: int64(i) + 1})
	}
	m.mu.Unlock()

	for i := offset; i < int64(len(entries)); i++ {
		if !fn(entries[i]) {
			return kerr.None
		}
	}
	return kerr.None
}

func (m *MemFS) Readlink(ino uint32) (string, kerr.Err) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, err := m.get(ino)
	if err != kerr.None {
		return "", err
	}
	if ip.mode&ModeTypeMask != ModeLnk {
		return "", kerr.EINVAL
	}
	return ip.target, kerr.None
}
