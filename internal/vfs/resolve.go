package vfs

import (
	"strings"

	"argentum/internal/kerr"
)

// Lookup flags (flags argument of fs_path_node_resolve_at).
const (
	// LookupFollow makes resolution follow a trailing symlink instead
	// of returning the link node itself (FS_LOOKUP_FOLLOW_LINKS).
	LookupFollow = 1 << iota
	// LookupReal selects the real (not effective) uid/gid for
	// permission checks (FS_LOOKUP_REAL).
	LookupReal
)

// maxSymlinks bounds the number of symlink hops a single top-level
// resolve call will follow before failing with ELOOP (spec §4.I: "a
// hard cap of 20 symlink traversals per call").
const maxSymlinks = 20

func splitPath(path string) []string {
	var comps []string
	for _, c := range strings.Split(path, "/") {
		if c != "" && c != "." {
			comps = append(comps, c)
		}
	}
	return comps
}

// resolve walks path component by component starting from start
// (absolute paths start from the tree root instead), returning the
// resolved node and its parent, both ref'd (fs_path_node_resolve_at).
//
// The source recurses in place by mutating its working path buffer
// whenever a symlink splices in a new remainder; here each splice is
// a genuine recursive call instead; a shared counter carries the
// symlink budget across those calls so a chain of symlinks spanning
// several splices is still capped at maxSymlinks total, matching "per
// call" in the spec rather than "per splice".
func (v *VFS) resolve(start *PathNode, path string, flags int) (node, parent *PathNode, err kerr.Err) {
	symlinks := 0
	return v.resolveBudgeted(start, path, flags, &symlinks)
}

func (v *VFS) resolveBudgeted(start *PathNode, path string, flags int, symlinks *int) (node, parent *PathNode, err kerr.Err) {
	if path == "" {
		return nil, nil, kerr.ENOENT
	}

	cur := v.root
	if !strings.HasPrefix(path, "/") {
		cur = start
	}
	cur = cur.ref()
	parentNode := cur.ref()

	comps := splitPath(path)

	for i := 0; i < len(comps); i++ {
		name := comps[i]
		last := i == len(comps)-1

		var next *PathNode
		if name == ".." {
			next = cur.parent.ref()
		} else {
			var lerr kerr.Err
			next, lerr = v.lookupChild(cur, name)
			if lerr != kerr.None {
				if lerr == kerr.ENOENT && last {
					// Leave cur (the directory searched) ref'd for
					// callers that want to create the missing final
					// component (O_CREAT).
					parentNode.unref()
					return nil, cur, kerr.ENOENT
				}
				cur.unref()
				parentNode.unref()
				return nil, nil, lerr
			}
		}

		if name != ".." {
			dirIno, fs := next.resolved()
			st, serr := fs.InodeGet(dirIno)
			if serr != kerr.None {
				next.unref()
				cur.unref()
				parentNode.unref()
				return nil, nil, serr
			}

			if st.Mode&ModeTypeMask == ModeLnk && (!last || flags&LookupFollow != 0) {
				*symlinks = *symlinks + 1
				if *symlinks > maxSymlinks {
					next.unref()
					cur.unref()
					parentNode.unref()
					return nil, nil, kerr.ELOOP
				}

				target, terr := fs.Readlink(dirIno)
				if terr != kerr.None {
					next.unref()
					cur.unref()
					parentNode.unref()
					return nil, nil, terr
				}
				if rest := strings.Join(comps[i+1:], "/"); rest != "" {
					target = target + "/" + rest
				}
				next.unref()

				base := cur
				if strings.HasPrefix(target, "/") {
					base = v.root
				}
				sub, subParent, rerr := v.resolveBudgeted(base, target, flags, symlinks)
				cur.unref()
				parentNode.unref()
				return sub, subParent, rerr
			}
		}

		parentNode.unref()
		parentNode = cur
		cur = next
	}

	return cur, parentNode, kerr.None
}
