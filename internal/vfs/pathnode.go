package vfs

import (
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// normalizeName puts a path component into NFC before it is compared
// or stored, so visually-identical Unicode filenames collide in the
// path-node cache instead of aliasing as distinct entries.
func normalizeName(name string) string {
	return norm.NFC.String(name)
}

// PathNode is a directory-tree cache entry (spec §3 "PathNode"): name,
// parent, children, a per-node mutex, an (ino, FS) pair pointing at a
// live filesystem service, and — only on a mount point — an overlay
// (ino, FS) pair for the mounted filesystem's root.
//
// Refcount invariant, ported from fs_path_node_create/fs_path_node_unref:
// a child holds one reference on its parent, and the tree root
// self-references. Unreferenced leaves are pruned eagerly by unref.
type PathNode struct {
	mu sync.Mutex

	Name   string
	parent *PathNode

	children []*PathNode

	ino uint32
	fs  *FS

	mountIno uint32
	mountFS  *FS

	refcount int
}

// newRoot creates the self-referencing tree root (fs_root, whose
// parent == itself).
func newRoot(ino uint32, fs *FS) *PathNode {
	root := &PathNode{Name: "/", ino: ino, fs: fs, refcount: 1}
	root.parent = root
	return root
}

// newChild creates a node for name under parent, linking it into
// parent's children with the ref bookkeeping fs_path_node_create
// performs: the new node starts with two references (one held by its
// parent's children slice, one returned to the caller), and parent
// itself gains one reference for being pointed to.
func newChild(parent *PathNode, name string, ino uint32, fs *FS) *PathNode {
	node := &PathNode{Name: normalizeName(name), parent: parent, ino: ino, fs: fs, refcount: 2}

	parent.mu.Lock()
	parent.refcount++
	parent.children = append(parent.children, node)
	parent.mu.Unlock()

	return node
}

// lookupCached returns an already-resolved child named name, or nil
// (fs_path_node_lookup_cached).
func (n *PathNode) lookupCached(name string) *PathNode {
	name = normalizeName(name)
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ref bumps n's reference count (fs_path_node_ref).
func (n *PathNode) ref() *PathNode {
	n.mu.Lock()
	n.refcount++
	n.mu.Unlock()
	return n
}

// unref drops a reference to n, pruning it (and any ancestor left
// with fewer than two references) from the tree (fs_path_node_unref).
// A node with exactly one reference left, held only by its parent's
// children slice, is unused and removed; the root, whose sole
// reference is its own self-link, is the base case that stops the
// walk.
func (n *PathNode) unref() {
	for {
		n.mu.Lock()
		n.refcount--
		refcount := n.refcount
		parent := n.parent
		n.mu.Unlock()

		if refcount >= 2 {
			return
		}
		if parent == nil || parent == n {
			// Tree root: its single remaining reference is the
			// self-link, not a dangling child entry.
			return
		}

		parent.mu.Lock()
		for i, c := range parent.children {
			if c == n {
				parent.children = append(parent.children[:i:i], parent.children[i+1:]...)
				break
			}
		}
		parent.mu.Unlock()

		n = parent
	}
}

// Ref bumps n's reference count; exported for callers outside the
// package (a process's cwd) that need to hold their own reference
// independent of the path-node cache's own link.
func (n *PathNode) Ref() *PathNode { return n.ref() }

// Unref drops a reference acquired via Ref, Chdir, or an Open/Stat/etc
// resolve.
func (n *PathNode) Unref() { n.unref() }

// Path reconstructs n's absolute path by walking parent links to the
// tree root, for a process's cwd to report back through getcwd(2).
func (n *PathNode) Path() string {
	var parts []string
	cur := n
	for {
		cur.mu.Lock()
		parent := cur.parent
		name := cur.Name
		cur.mu.Unlock()
		if parent == cur {
			break
		}
		parts = append([]string{name}, parts...)
		cur = parent
	}
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

// mount attaches a mounted filesystem's root (ino, fs) as n's overlay
// (fs_path_mount). n becomes a mount point: resolvers must consult the
// overlay instead of n's own (ino, fs) from this point on.
func (n *PathNode) mount(ino uint32, fs *FS) {
	n.mu.Lock()
	n.mountIno, n.mountFS = ino, fs
	n.mu.Unlock()
}

// resolved returns the (ino, fs) pair traversals should actually use
// for n: the mount overlay if n is a mount point, else n's own
// identity (fs_path_ino).
func (n *PathNode) resolved() (uint32, *FS) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mountFS != nil {
		return n.mountIno, n.mountFS
	}
	return n.ino, n.fs
}
