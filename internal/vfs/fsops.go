package vfs

import (
	"context"

	"golang.org/x/sync/semaphore"

	"argentum/internal/kerr"
)

// DirEntry is one entry Readdir hands to its callback (spec §4.I
// "Directory semantics": the FS service wraps raw entries into fixed
// dirent records).
type DirEntry struct {
	Name   string
	Ino    uint32
	Offset int64 // offset of the *next* entry, for resuming a scan
}

// FSOps is the operation vector a mounted filesystem implements
// (spec §4.I "Operation vector"). The core never calls these
// directly on a user's behalf — every call here already runs inside
// one of the FS's own worker goroutines, dispatched from FS.call.
type FSOps interface {
	// InodeGet fetches an inode's metadata (inode_read).
	InodeGet(ino uint32) (Stat, kerr.Err)
	// InodeWrite flushes an inode's metadata (inode_write).
	InodeWrite(ino uint32, st Stat) kerr.Err
	// InodeDelete removes an inode whose link count has reached zero
	// (inode_delete).
	InodeDelete(ino uint32) kerr.Err

	// Read reads up to len(buf) bytes from ino at offset (read).
	Read(ino uint32, buf []byte, offset int64) (int, kerr.Err)
	// Write writes buf to ino at offset, extending it if needed (write).
	Write(ino uint32, buf []byte, offset int64) (int, kerr.Err)
	// Trunc changes ino's size (trunc).
	Trunc(ino uint32, size int64) kerr.Err

	// Lookup resolves name within the directory dirIno (lookup).
	Lookup(dirIno uint32, name string) (uint32, kerr.Err)
	// Create makes a new regular file named name in dirIno (create).
	Create(dirIno uint32, name string, mode uint32, uid, gid int32) (uint32, kerr.Err)
	// Mkdir makes a new subdirectory (mkdir).
	Mkdir(dirIno uint32, name string, mode uint32, uid, gid int32) (uint32, kerr.Err)
	// Mknod makes a new device special file (mknod).
	Mknod(dirIno uint32, name string, mode uint32, rdev uint32, uid, gid int32) (uint32, kerr.Err)
	// Symlink makes a new symbolic link (symlink).
	Symlink(dirIno uint32, name, target string, uid, gid int32) (uint32, kerr.Err)
	// Link adds a new name for an existing inode (link).
	Link(dirIno uint32, name string, ino uint32) kerr.Err
	// Unlink removes a name (unlink).
	Unlink(dirIno uint32, name string) kerr.Err
	// Rmdir removes an empty subdirectory (rmdir).
	Rmdir(dirIno uint32, name string) kerr.Err
	// Readdir scans dirIno's entries starting at offset, calling fn
	// for each until it returns false or entries are exhausted
	// (readdir).
	Readdir(ino uint32, offset int64, fn func(DirEntry) bool) kerr.Err
	// Readlink reads a symlink's target (readlink).
	Readlink(ino uint32) (string, kerr.Err)
}

// request is the FS service's internal unit of work (spec §4.I
// "Request-reply IPC"'s IpcRequest, minus the byte-buffer views and
// manual refcounting: arguments and results are passed as plain Go
// values, and the worker that served the request sends exactly one
// requestResult on result, which is buffered for that one value).
type request struct {
	run  func() (interface{}, kerr.Err)
	result chan requestResult
}

type requestResult struct {
	value interface{}
	err   kerr.Err
}

// fsMailboxCapacity bounds the number of outstanding requests a FS's
// queue holds before Send blocks, matching spec §4.I's "a bounded
// mailbox of request pointers".
const fsMailboxCapacity = 64

// fsWorkerCount is the default size of a filesystem's worker pool
// (spec §4.I: "~20 kernel tasks running fs_service_task").
const fsWorkerCount = 20

// FS is a long-lived mounted filesystem service: a name, device id,
// operation vector, and a pool of worker goroutines draining a bounded
// request queue (spec §4.I "Filesystem service"). A Go channel stands
// in for the source's mailbox-of-pointers — the queue only ever
// carries requests local to this process, so there is no wire format
// to fix in place, and request lifetime is GC-managed rather than
// refcounted.
type FS struct {
	Name string
	Dev  uint32

	ops   FSOps
	queue chan request
	stop  chan struct{}

	// inflight bounds the number of requests in the pipe at once to
	// fsMailboxCapacity, matching the source's fixed-size mailbox
	// rather than relying solely on the channel's buffer (a buffered
	// channel alone would admit fsMailboxCapacity+1 senders: the one
	// parked on the blocking send plus whatever's already queued).
	inflight *semaphore.Weighted

	inodes *inodeCache
}

// newFS starts an FS service with workers goroutines draining its
// request queue (fs_service_task, spawned fsWorkerCount times).
func newFS(name string, dev uint32, ops FSOps, workers int) *FS {
	if workers <= 0 {
		workers = fsWorkerCount
	}
	fs := &FS{
		Name:     name,
		Dev:      dev,
		ops:      ops,
		queue:    make(chan request, fsMailboxCapacity),
		stop:     make(chan struct{}),
		inflight: semaphore.NewWeighted(fsMailboxCapacity),
		inodes:   newInodeCache(),
	}
	for i := 0; i < workers; i++ {
		go fs.serviceLoop()
	}
	return fs
}

// serviceLoop is one worker task's body: pop a request, run it,
// deliver the result (fs_service_task's dispatch loop).
func (fs *FS) serviceLoop() {
	for {
		select {
		case <-fs.stop:
			return
		case req := <-fs.queue:
			v, err := req.run()
			req.result <- requestResult{v, err}
		}
	}
}

// call posts run to the FS's queue and blocks on its result, standing
// in for fs_send_recv: a caller blocks receiving from the request's
// result channel until a worker replies, with no time limit. The inflight weight is held for the whole
// round trip, not just the enqueue, so a backlog of slow requests
// throttles new callers the same way a full mailbox would.
func (fs *FS) call(run func() (interface{}, kerr.Err)) (interface{}, kerr.Err) {
	fs.inflight.Acquire(context.Background(), 1)
	defer fs.inflight.Release(1)

	req := request{run: run, result: make(chan requestResult, 1)}
	fs.queue <- req
	r := <-req.result
	return r.value, r.err
}

// Shutdown stops every worker in the pool. Requests already queued
// are dropped, matching an unmount tearing down the service.
func (fs *FS) Shutdown() { close(fs.stop) }

func (fs *FS) getInode(ino uint32) *Inode {
	return fs.inodes.get(fs, ino, fs.Dev)
}

// The following wrap each FSOps entry in a call through the worker
// pool, so every site that needs filesystem data goes through the
// same request/reply path spec §4.I requires ("the core never calls
// [FSOps] directly on behalf of a user").

func (fs *FS) InodeGet(ino uint32) (Stat, kerr.Err) {
	v, err := fs.call(func() (interface{}, kerr.Err) { return fs.ops.InodeGet(ino) })
	if err != kerr.None {
		return Stat{}, err
	}
	return v.(Stat), kerr.None
}

func (fs *FS) InodeWrite(ino uint32, st Stat) kerr.Err {
	_, err := fs.call(func() (interface{}, kerr.Err) { return nil, fs.ops.InodeWrite(ino, st) })
	return err
}

func (fs *FS) InodeDelete(ino uint32) kerr.Err {
	_, err := fs.call(func() (interface{}, kerr.Err) { return nil, fs.ops.InodeDelete(ino) })
	return err
}

func (fs *FS) Read(ino uint32, buf []byte, offset int64) (int, kerr.Err) {
	v, err := fs.call(func() (interface{}, kerr.Err) { return fs.ops.Read(ino, buf, offset) })
	if err != kerr.None {
		return 0, err
	}
	return v.(int), kerr.None
}

func (fs *FS) Write(ino uint32, buf []byte, offset int64) (int, kerr.Err) {
	v, err := fs.call(func() (interface{}, kerr.Err) { return fs.ops.Write(ino, buf, offset) })
	if err != kerr.None {
		return 0, err
	}
	return v.(int), kerr.None
}

func (fs *FS) Trunc(ino uint32, size int64) kerr.Err {
	_, err := fs.call(func() (interface{}, kerr.Err) { return nil, fs.ops.Trunc(ino, size) })
	return err
}

func (fs *FS) Lookup(dirIno uint32, name string) (uint32, kerr.Err) {
	v, err := fs.call(func() (interface{}, kerr.Err) { return fs.ops.Lookup(dirIno, name) })
	if err != kerr.None {
		return 0, err
	}
	return v.(uint32), kerr.None
}

func (fs *FS) Create(dirIno uint32, name string, mode uint32, uid, gid int32) (uint32, kerr.Err) {
	v, err := fs.call(func() (interface{}, kerr.Err) { return fs.ops.Create(dirIno, name, mode, uid, gid) })
	if err != kerr.None {
		return 0, err
	}
	return v.(uint32), kerr.None
}

func (fs *FS) Mkdir(dirIno uint32, name string, mode uint32, uid, gid int32) (uint32, kerr.Err) {
	v, err := fs.call(func() (interface{}, kerr.Err) { return fs.ops.Mkdir(dirIno, name, mode, uid, gid) })
	if err != kerr.None {
		return 0, err
	}
	return v.(uint32), kerr.None
}

func (fs *FS) Mknod(dirIno uint32, name string, mode, rdev uint32, uid, gid int32) (uint32, kerr.Err) {
	v, err := fs.call(func() (interface{}, kerr.Err) { return fs.ops.Mknod(dirIno, name, mode, rdev, uid, gid) })
	if err != kerr.None {
		return 0, err
	}
	return v.(uint32), kerr.None
}

func (fs *FS) Symlink(dirIno uint32, name, target string, uid, gid int32) (uint32, kerr.Err) {
	v, err := fs.call(func() (interface{}, kerr.Err) { return fs.ops.Symlink(dirIno, name, target, uid, gid) })
	if err != kerr.None {
		return 0, err
	}
	return v.(uint32), kerr.None
}

func (fs *FS) Link(dirIno uint32, name string, ino uint32) kerr.Err {
	_, err := fs.call(func() (interface{}, kerr.Err) { return nil, fs.ops.Link(dirIno, name, ino) })
	return err
}

func (fs *FS) Unlink(dirIno uint32, name string) kerr.Err {
	_, err := fs.call(func() (interface{}, kerr.Err) { return nil, fs.ops.Unlink(dirIno, name) })
	return err
}

func (fs *FS) Rmdir(dirIno uint32, name string) kerr.Err {
	_, err := fs.call(func() (interface{}, kerr.Err) { return nil, fs.ops.Rmdir(dirIno, name) })
	return err
}

func (fs *FS) Readdir(ino uint32, offset int64, fn func(DirEntry) bool) kerr.Err {
	_, err := fs.call(func() (interface{}, kerr.Err) { return nil, fs.ops.Readdir(ino, offset, fn) })
	return err
}

func (fs *FS) Readlink(ino uint32) (string, kerr.Err) {
	v, err := fs.call(func() (interface{}, kerr.Err) { return fs.ops.Readlink(ino) })
	if err != kerr.None {
		return "", err
	}
	return v.(string), kerr.None
}
