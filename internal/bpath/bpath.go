// Package bpath canonicalizes filesystem paths: collapsing "." and ".."
// components and redundant slashes without touching the filesystem.
// Symlink-aware resolution lives in internal/vfs, which walks one
// component at a time against the path-node cache (spec §4.I); bpath
// only prepares the textual path it walks.
package bpath

import "argentum/internal/ustr"

// Canonicalize rewrites p into an absolute, "."/".."-free path. p must
// already be absolute (callers join a relative path onto the current
// directory first, see vfs.PathNode.Path).
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	if !p.IsAbsolute() {
		panic("bpath: Canonicalize requires an absolute path")
	}
	comps := Split(p)
	out := make([]ustr.Ustr, 0, len(comps))
	for _, c := range comps {
		switch {
		case c.Isdot():
			continue
		case c.Isdotdot():
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, c)
		}
	}
	ret := ustr.MkUstrRoot()
	if len(out) == 0 {
		return ret
	}
	ret = ustr.Ustr{}
	for _, c := range out {
		ret = append(ret, '/')
		ret = append(ret, c...)
	}
	return ret
}

// Split breaks a path into its non-empty, slash-separated components.
func Split(p ustr.Ustr) []ustr.Ustr {
	var comps []ustr.Ustr
	start := -1
	for i := 0; i <= len(p); i++ {
		atslash := i == len(p) || p[i] == '/'
		if atslash {
			if start >= 0 {
				comps = append(comps, p[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	return comps
}

// Dir returns the parent path of p (Canonicalize is applied first).
func Dir(p ustr.Ustr) ustr.Ustr {
	c := Canonicalize(p)
	comps := Split(c)
	if len(comps) <= 1 {
		return ustr.MkUstrRoot()
	}
	return Canonicalize(joinAll(comps[:len(comps)-1]))
}

// Base returns the final path component of p.
func Base(p ustr.Ustr) ustr.Ustr {
	comps := Split(Canonicalize(p))
	if len(comps) == 0 {
		return ustr.MkUstrRoot()
	}
	return comps[len(comps)-1]
}

func joinAll(comps []ustr.Ustr) ustr.Ustr {
	ret := ustr.Ustr{}
	for _, c := range comps {
		ret = append(ret, '/')
		ret = append(ret, c...)
	}
	if len(ret) == 0 {
		return ustr.MkUstrRoot()
	}
	return ret
}
