package vm

import (
	"argentum/internal/budget"
	"argentum/internal/kerr"
	"argentum/internal/mem"
	"argentum/internal/pagemap"
)

// Fault resolves a page fault at va for the given access (Writable
// set means the fault was a write), the package-level entry point
// biscuit calls Pgfault/Sys_pgfault from the trap handler. Trap-frame
// assembly and the decision of which signal to raise on an
// unresolvable fault are out of scope (spec §1); Fault returns an
// error and raises no signal itself.
func (s *Space) Fault(va pagemap.VA, access pagemap.Perm) kerr.Err {
	s.lock()
	defer s.unlock()

	r, ok := s.regions.lookup(va)
	if !ok {
		return kerr.EFAULT
	}
	return s.resolveFault(r, va, access)
}

func (s *Space) resolveFault(r *Region, va pagemap.VA, access pagemap.Perm) kerr.Err {
	s.assertLocked()

	isWrite := access&pagemap.Writable != 0
	writeOK := r.Perm&pagemap.Writable != 0
	if r.Perm == 0 || (isWrite && !writeOK) {
		return kerr.EFAULT
	}
	if r.Mtype == SharedAnon {
		panic("vm: shared anon pages should always be mapped")
	}

	pageVA := va &^ pagemap.VA(pagemap.PageSize-1)
	frame, perm, present := s.port.Walk(pageVA, false)

	if present {
		// two threads raced on the same fault
		if isWrite && perm&pagemap.WasCOW != 0 {
			return kerr.None
		}
		if !isWrite {
			return kerr.None
		}
	}

	var newFrame mem.Frame
	newPerm := pagemap.User | pagemap.Present
	releaseSrc := false
	var srcFrame mem.Frame

	switch {
	case r.Mtype == File && r.Shared:
		f, err := s.filePage(r, va)
		if err != kerr.None {
			return err
		}
		newFrame = f
		if writeOK {
			newPerm |= pagemap.Writable
		}

	case isWrite:
		cow := present && perm&pagemap.COW != 0
		if cow {
			if s.alloc.Refcount(frame) == 1 && frame != s.alloc.ZeroFrame() {
				// sole owner of this COW page: claim it in place
				s.port.SetPerm(pageVA, (perm&^pagemap.COW)|pagemap.Writable|pagemap.WasCOW)
				s.port.Shootdown(pageVA)
				return kerr.None
			}
			srcFrame = frame
		} else {
			switch r.Mtype {
			case Anon:
				srcFrame = s.alloc.ZeroFrame()
			case File:
				f, err := s.filePage(r, va)
				if err != kerr.None {
					return err
				}
				srcFrame = f
				releaseSrc = true
			default:
				panic("vm: unreachable region type")
			}
		}

		nf, ok := s.alloc.AllocBlock(0, mem.TagUserAnon)
		if !ok {
			return kerr.ENOMEM
		}
		copy(s.alloc.Data(nf), s.alloc.Data(srcFrame))
		if releaseSrc && s.alloc.Refdown(srcFrame) {
			s.alloc.FreeBlock(srcFrame, 0)
		}
		newFrame = nf
		newPerm |= pagemap.Writable | pagemap.WasCOW

	default:
		switch r.Mtype {
		case Anon:
			newFrame = s.alloc.ZeroFrame()
		case File:
			f, err := s.filePage(r, va)
			if err != kerr.None {
				return err
			}
			newFrame = f
		default:
			panic("vm: unreachable region type")
		}
		if writeOK {
			newPerm |= pagemap.COW
		}
	}

	// Every branch above hands back a freshly-allocated frame with
	// refcount 0 (ZeroFrame carries its own pin), so the new mapping
	// always takes exactly one reference here.
	s.alloc.Refup(newFrame)
	if present {
		if f, ok := s.port.Unmap(pageVA); ok {
			if s.alloc.Refdown(f) {
				s.alloc.FreeBlock(f, 0)
			}
		}
		s.port.Map(pageVA, newFrame, newPerm)
		s.port.Shootdown(pageVA)
	} else {
		s.port.Map(pageVA, newFrame, newPerm)
	}
	return kerr.None
}

// filePage fetches the backing page for a File region's fault at va,
// charging nothing extra: the FileOps implementation (vfs) is
// responsible for its own caching/budget accounting.
func (s *Space) filePage(r *Region, va pagemap.VA) (mem.Frame, kerr.Err) {
	if r.file == nil {
		return 0, kerr.EFAULT
	}
	off := r.foff + int64(va-r.Base)
	data, err := r.file.Page(off)
	if err != nil {
		return 0, kerr.EIO
	}
	f, ok := s.alloc.AllocBlock(0, mem.TagIOBuffer)
	if !ok {
		return 0, kerr.ENOMEM
	}
	copy(s.alloc.Data(f), data)
	return f, kerr.None
}

// translate maps a single user byte at va for access, faulting it in
// if necessary, and returns a slice of the containing page from that
// byte to the page's end (the Userdmap8_inner equivalent).
func (s *Space) translate(va pagemap.VA, write bool) ([]byte, kerr.Err) {
	s.assertLocked()
	pageVA := va &^ pagemap.VA(pagemap.PageSize-1)
	off := int(va - pageVA)

	r, ok := s.regions.lookup(va)
	if !ok {
		return nil, kerr.EFAULT
	}

	frame, perm, present := s.port.Walk(pageVA, false)
	needFault := true
	if write {
		if present && perm&pagemap.COW == 0 {
			needFault = false
		}
	} else if present {
		needFault = false
	}
	if needFault {
		access := pagemap.Perm(0)
		if write {
			access = pagemap.Writable
		}
		if err := s.resolveFault(r, va, access); err != kerr.None {
			return nil, err
		}
		frame, _, _ = s.port.Walk(pageVA, false)
	}
	return s.alloc.Data(frame)[off:], kerr.None
}

// CopyIn reads len(dst) bytes from user address uva into dst (the
// User2k/User2k_inner equivalent).
func (s *Space) CopyIn(uva pagemap.VA, dst []byte) kerr.Err {
	s.lock()
	defer s.unlock()
	cnt := 0
	for len(dst) != 0 {
		if !s.budg.Charge(budget.SiteCopyIn) {
			return kerr.ENOHEAP
		}
		src, err := s.translate(uva+pagemap.VA(cnt), false)
		s.budg.Release()
		if err != kerr.None {
			return err
		}
		did := copy(dst, src)
		dst = dst[did:]
		cnt += did
	}
	return kerr.None
}

// CopyOut writes src into the user address space at uva (the
// K2user/K2user_inner equivalent).
func (s *Space) CopyOut(src []byte, uva pagemap.VA) kerr.Err {
	s.lock()
	defer s.unlock()
	cnt := 0
	total := len(src)
	for cnt != total {
		if !s.budg.Charge(budget.SiteCopyOut) {
			return kerr.ENOHEAP
		}
		dst, err := s.translate(uva+pagemap.VA(cnt), true)
		s.budg.Release()
		if err != kerr.None {
			return err
		}
		n := copy(dst, src)
		src = src[n:]
		cnt += n
	}
	return kerr.None
}

// CopyInString copies a NUL-terminated string from user memory,
// capped at lenmax bytes (the Userstr equivalent); exceeding the cap
// returns ENAMETOOLONG.
func (s *Space) CopyInString(uva pagemap.VA, lenmax int) ([]byte, kerr.Err) {
	if lenmax < 0 {
		return nil, kerr.None
	}
	s.lock()
	defer s.unlock()

	var out []byte
	i := 0
	for {
		chunk, err := s.translate(uva+pagemap.VA(i), false)
		if err != kerr.None {
			return nil, err
		}
		for j, c := range chunk {
			if c == 0 {
				out = append(out, chunk[:j]...)
				return out, kerr.None
			}
		}
		out = append(out, chunk...)
		i += len(chunk)
		if len(out) >= lenmax {
			return nil, kerr.ENAMETOOLONG
		}
	}
}
