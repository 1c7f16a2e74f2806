package vfs

import (
	"time"

	"argentum/internal/chardev"
	"argentum/internal/kerr"
)

// devfsDevice is one static entry in the device directory
// (devfs.c's struct DevfsNode table).
type devfsDevice struct {
	ino  uint32
	name string
	mode uint32
	rdev uint32
}

const devfsRootIno = 2

var devfsDevices = []devfsDevice{
	{2, ".", ModeDir | 0o555, 0},
	{3, "tty0", ModeChr | 0o666, 0x0100},
	{4, "tty1", ModeChr | 0o666, 0x0101},
	{5, "tty2", ModeChr | 0o666, 0x0102},
	{6, "tty3", ModeChr | 0o666, 0x0103},
	{7, "tty4", ModeChr | 0o666, 0x0104},
	{8, "tty5", ModeChr | 0o666, 0x0105},
	{9, "zero", ModeChr | 0o666, 0x0202},
	{10, "null", ModeChr | 0o666, 0x0203},
	{11, "tty", ModeChr | 0o666, 0x0300},
}

// DevFS is the read-only device directory exposing /dev/tty0..5,
// /dev/zero, /dev/null, /dev/tty, matching spec §6's filesystem
// service list. Every namespace-mutating FSOps entry (Create, Mkdir,
// Mknod, Symlink, Link, Unlink, Rmdir) returns EROFS, as the source's
// devfs_create/devfs_mkdir/.../devfs_unlink do; InodeWrite and
// InodeDelete return ENOSYS, and Trunc succeeds without effect.
type DevFS struct {
	bootTime time.Time
	chars    *chardev.Registry
}

// NewDevFS constructs a devfs FSOps (devfs_mount, minus its own
// fs_create_service call, which the vfs package's Mount/NewFS callers
// perform instead). chars resolves each special file's rdev to the
// character-device driver registered for its major number
// (dev_register_char).
func NewDevFS(chars *chardev.Registry) *DevFS {
	return &DevFS{bootTime: time.Now(), chars: chars}
}

func (d *DevFS) deviceByIno(ino uint32) *devfsDevice {
	for i := range devfsDevices {
		if devfsDevices[i].ino == ino {
			return &devfsDevices[i]
		}
	}
	return nil
}

func (d *DevFS) InodeGet(ino uint32) (Stat, kerr.Err) {
	dev := d.deviceByIno(ino)
	if dev == nil {
		return Stat{}, kerr.ENOENT
	}
	size := int64(0)
	if ino == devfsRootIno {
		size = int64(len(devfsDevices))
	}
	return Stat{
		Mode:  dev.mode,
		Nlink: 1,
		Rdev:  dev.rdev,
		Size:  size,
		Atime: d.bootTime,
		Mtime: d.bootTime,
		Ctime: d.bootTime,
	}, kerr.None
}

func (d *DevFS) InodeWrite(ino uint32, st Stat) kerr.Err { return kerr.ENOSYS }
func (d *DevFS) InodeDelete(ino uint32) kerr.Err         { return kerr.ENOSYS }

func (d *DevFS) Read(ino uint32, buf []byte, offset int64) (int, kerr.Err) {
	dev := d.deviceByIno(ino)
	if dev == nil || dev.mode&ModeTypeMask != ModeChr || d.chars == nil {
		return 0, kerr.ENOSYS
	}
	return d.chars.Read(dev.rdev, buf)
}

func (d *DevFS) Write(ino uint32, buf []byte, offset int64) (int, kerr.Err) {
	dev := d.deviceByIno(ino)
	if dev == nil || dev.mode&ModeTypeMask != ModeChr || d.chars == nil {
		return 0, kerr.ENOSYS
	}
	return d.chars.Write(dev.rdev, buf)
}
func (d *DevFS) Trunc(ino uint32, size int64) kerr.Err { return kerr.None }

func (d *DevFS) Lookup(dirIno uint32, name string) (uint32, kerr.Err) {
	if dirIno != devfsRootIno {
		return 0, kerr.ENOTDIR
	}
	for _, dev := range devfsDevices {
		if dev.name == name {
			return dev.ino, kerr.None
		}
	}
	return 0, kerr.ENOENT
}

func (d *DevFS) Create(dirIno uint32, name string, mode uint32, uid, gid int32) (uint32, kerr.Err) {
	return 0, kerr.EROFS
}
func (d *DevFS) Mkdir(dirIno uint32, name string, mode uint32, uid, gid int32) (uint32, kerr.Err) {
	return 0, kerr.EROFS
}
func (d *DevFS) Mknod(dirIno uint32, name string, mode, rdev uint32, uid, gid int32) (uint32, kerr.Err) {
	return 0, kerr.EROFS
}
func (d *DevFS) Symlink(dirIno uint32, name, target string, uid, gid int32) (uint32, kerr.Err) {
	return 0, kerr.EROFS
}
func (d *DevFS) Link(dirIno uint32, name string, ino uint32) kerr.Err { return kerr.EROFS }
func (d *DevFS) Unlink(dirIno uint32, name string) kerr.Err           { return kerr.EROFS }
func (d *DevFS) Rmdir(dirIno uint32, name string) kerr.Err            { return kerr.EROFS }

func (d *DevFS) Readdir(ino uint32, offset int64, fn func(DirEntry) bool) kerr.Err {
	if ino != devfsRootIno {
		return kerr.ENOTDIR
	}
	for i := offset; i < int64(len(devfsDevices)); i++ {
		dev := devfsDevices[i]
		if !fn(DirEntry{Name: dev.name, Ino: dev.ino, Offset: i + 1}) {
			return kerr.None
		}
	}
	return kerr.None
}

func (d *DevFS) Readlink(ino uint32) (string, kerr.Err) { return "", kerr.ENOSYS }
