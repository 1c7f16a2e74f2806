package proc

import (
	"sync"

	"argentum/internal/kerr"
	"argentum/internal/sched"
)

// NSig is the number of distinct signal numbers, matching NSIG.
const NSig = 32

// Signal numbers, matching original_source/kernel/include/kernel/signal.h.
const (
	SIGHUP  = 1
	SIGINT  = 2
	SIGQUIT = 3
	SIGILL  = 4
	SIGTRAP = 5
	SIGABRT = 6
	SIGBUS  = 7
	SIGFPE  = 8
	SIGKILL = 9
	SIGUSR1 = 10
	SIGSEGV = 11
	SIGUSR2 = 12
	SIGPIPE = 13
	SIGALRM = 14
	SIGTERM = 15
	SIGCHLD = 17
	SIGCONT = 18
	SIGSTOP = 19
	SIGTSTP = 20
	SIGTTIN = 21
	SIGTTOU = 22
	SIGURG  = 23
	SIGXCPU = 24
	SIGXFSZ = 25
	SIGSYS  = 31
)

// sigchldBacklogCap bounds the number of outstanding SIGCHLD
// notifications a process can accumulate. SIGCHLD is the one signal
// this kernel queues past the ordinary one-pending-occurrence rule
// (spec.md's dup-suppression is kept for every other signal): a
// process with several children exiting in quick succession must be
// able to reap each of them from a single wait loop instead of losing
// all but the last notification to signal_generate's dedup check.
const sigchldBacklogCap = 16

// SigSet is a 32-bit signal bitmask, matching sigset_t's in-kernel
// representation (one bit per signal number).
type SigSet uint32

// Has reports whether set contains signo.
func (set SigSet) Has(signo int) bool {
	return signo >= 1 && signo <= NSig && set&(1<<uint(signo-1)) != 0
}

// Add inserts signo into set.
func (set *SigSet) Add(signo int) { *set |= 1 << uint(signo-1) }

// Del removes signo from set.
func (set *SigSet) Del(signo int) { *set &^= 1 << uint(signo-1) }

// Disposition is how a process reacts to a delivered signal.
type Disposition int

const (
	// DispositionDefault runs the kernel's built-in action for the
	// signal (signal_default_action).
	DispositionDefault Disposition = iota
	// DispositionIgnore discards the signal (SIG_IGN).
	DispositionIgnore
	// DispositionHandler invokes Handler (a registered user handler).
	DispositionHandler
)

// SigAction describes how a process handles one signal number
// (struct sigaction). Handler replaces the original's signal_stub +
// trap-frame splice: spec §1 puts trap frame assembly out of scope,
// so delivery here is a direct, synchronous Go call instead of an
// arranged return into a user-mode stub.
type SigAction struct {
	Disposition Disposition
	Handler     func(p *Process, signo int)
	Mask        SigSet
}

type pendingSignal struct {
	signo int
	code  int
}

// signalState is a process's signal-handling state: its action table,
// blocked-signal mask, and pending-signal queue (signal_actions,
// signal_mask, signal_pending, signal_queue).
type signalState struct {
	mu      sync.Mutex
	actions [NSig]SigAction
	mask    SigSet
	pending SigSet // dedup bitmap; SIGCHLD is exempt, see sigchldBacklogCap
	queue   []pendingSignal
	chldQueued int
}

// init resets signal state to all-default, matching a freshly
// process_alloc'd process (signal_init).
func (s *signalState) init() {
	for i := range s.actions {
		s.actions[i] = SigAction{Disposition: DispositionDefault}
	}
}

// clone copies the action table and mask into a new signalState for a
// forked child (signal_clone); the pending queue always starts empty,
// matching the original's fresh list_init of the child's signal_queue.
func (s *signalState) clone() signalState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c signalState
	c.actions = s.actions
	c.mask = s.mask
	return c
}

// postSignal enqueues signo for delivery to p, applying the
// dup-suppression and masked-ignore rules of signal_generate. cpu
// identifies the calling context, used only to interrupt p's task if
// it is sleeping interruptibly and the signal is unmasked.
func (p *Process) postSignal(cpu int, signo, code int) {
	p.sig.mu.Lock()

	action := p.sig.actions[signo-1]
	if p.sig.mask.Has(signo) && action.Disposition == DispositionIgnore {
		p.sig.mu.Unlock()
		return
	}

	if signo == SIGCHLD {
		if p.sig.chldQueued >= sigchldBacklogCap {
			p.sig.mu.Unlock()
			return
		}
		p.sig.chldQueued++
	} else {
		if p.sig.pending.Has(signo) {
			p.sig.mu.Unlock()
			return
		}
		p.sig.pending.Add(signo)
	}

	p.sig.queue = append(p.sig.queue, pendingSignal{signo: signo, code: code})
	masked := p.sig.mask.Has(signo)
	p.sig.mu.Unlock()

	if !masked {
		p.interrupt(cpu)
	}
}

// dequeue pops the first queued signal not currently masked, leaving
// masked-but-pending signals in the queue for a later mask change to
// uncover (signal_dequeue).
func (s *signalState) dequeue() (pendingSignal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sig := range s.queue {
		if s.mask.Has(sig.signo) {
			continue
		}
		s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
		if sig.signo == SIGCHLD {
			s.chldQueued--
		} else {
			s.pending.Del(sig.signo)
		}
		return sig, true
	}
	return pendingSignal{}, false
}

// interrupt wakes p's task early with EINTR if it is sleeping
// interruptibly (k_task_interrupt, via sched.Interrupt).
func (p *Process) interrupt(cpu int) {
	p.kernel.sched.Interrupt(cpu, p.task)
}

// SignalGenerate posts signo to every process matching pid, using the
// same four-way selector as Wait/process_match_pid: -1 is every
// process, >0 an exact pid, 0 the caller's own process group, <-1 the
// exact group -pid (signal_generate, extended per spec.md's process-
// group delivery supplement to cover kill(-pgid, sig) directly instead
// of requiring a separate per-pid loop at the syscall boundary).
func (k *Kernel) SignalGenerate(cpu int, caller *Process, pid int32, signo, code int) kerr.Err {
	if signo < 1 || signo > NSig {
		return kerr.EINVAL
	}

	var callerPGID int32
	if caller != nil {
		caller.mu.Lock()
		callerPGID = caller.PGID
		caller.mu.Unlock()
	}

	targets := make([]*Process, 0, k.byPID.Size())
	k.byPID.Iter(func(_, v interface{}) bool {
		targets = append(targets, v.(*Process))
		return false
	})

	for _, p := range targets {
		if !p.matchPID(pid, callerPGID) {
			continue
		}
		p.postSignal(cpu, signo, code)
	}
	return kerr.None
}

// DeliverPending dequeues and handles one pending signal for p, if
// any (signal_deliver_pending). A default-disposition signal that
// terminates the process runs p.exit inline, standing in for
// process_destroy's unwind back through the syscall return path.
func (p *Process) DeliverPending(cpu int) {
	sig, ok := p.sig.dequeue()
	if !ok {
		return
	}

	p.sig.mu.Lock()
	action := p.sig.actions[sig.signo-1]
	p.sig.mu.Unlock()

	switch action.Disposition {
	case DispositionIgnore:
		return
	case DispositionHandler:
		p.sig.mu.Lock()
		p.sig.mask |= action.Mask
		p.sig.mu.Unlock()
		action.Handler(p, sig.signo)
		return
	}

	switch sig.signo {
	case SIGCHLD, SIGURG:
		return
	case SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		p.stop(cpu)
	case SIGCONT:
		p.continueRunning(cpu)
	default:
		p.exit(sig.signo)
	}
}

// stop transitions p to StateStopped and notifies its parent
// (signal_default_action's SIGSTOP family, left as a TODO/panic in
// the original and completed here).
func (p *Process) stop(cpu int) {
	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	p.status = 0x7f
	parent := p.parent
	p.mu.Unlock()

	if parent != nil {
		parent.notifyChildStateChange(cpu)
	}
}

// continueRunning resumes a stopped process on SIGCONT.
func (p *Process) continueRunning(cpu int) {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return
	}
	p.state = StateActive
	parent := p.parent
	p.mu.Unlock()

	p.kernel.sched.Interrupt(cpu, p.task)
	if parent != nil {
		parent.notifyChildStateChange(cpu)
	}
}

// notifyChildStateChange posts SIGCHLD to p, used whenever one of its
// children exits, stops, or continues (_signal_state_change_to_parent,
// called from process_destroy/_process_continue/_process_stop).
func (p *Process) notifyChildStateChange(cpu int) {
	p.postSignal(cpu, SIGCHLD, 0)
}

// Mask selectors for SignalMask (SIG_BLOCK / SIG_UNBLOCK / SIG_SETMASK).
const (
	SigBlock = iota
	SigUnblock
	SigSetMask
)

// validNo reports whether signo is a valid target for SignalAction,
// rejecting SIGKILL/SIGSTOP when the caller is trying to install
// anything other than the default action (signal_valid_no).
func validNo(signo int, changingDisposition bool) bool {
	if signo < 1 || signo > NSig {
		return false
	}
	if changingDisposition && (signo == SIGKILL || signo == SIGSTOP) {
		return false
	}
	return true
}

// SignalAction installs newAction for signo, returning the previous
// action in oldAction if non-nil (signal_action, minus the stub/trap-
// frame pointer validation this model has no trap frame for).
func (p *Process) SignalAction(signo int, newAction *SigAction, oldAction *SigAction) kerr.Err {
	changing := newAction != nil && newAction.Disposition != DispositionDefault
	if !validNo(signo, changing) {
		return kerr.EINVAL
	}

	p.sig.mu.Lock()
	defer p.sig.mu.Unlock()

	if oldAction != nil {
		*oldAction = p.sig.actions[signo-1]
	}
	if newAction != nil {
		p.sig.actions[signo-1] = *newAction
	}
	return kerr.None
}

// validMask reports whether set leaves SIGKILL and SIGSTOP unblocked
// (signal_valid_mask).
func validMask(set SigSet) bool {
	return !set.Has(SIGKILL) && !set.Has(SIGSTOP)
}

// SignalMask adjusts p's blocked-signal set per how (SIG_BLOCK /
// SIG_UNBLOCK / SIG_SETMASK), returning the previous mask in old if
// non-nil (signal_mask).
func (p *Process) SignalMask(how int, set *SigSet, old *SigSet) kerr.Err {
	if set != nil && !validMask(*set) {
		return kerr.EINVAL
	}

	p.sig.mu.Lock()
	defer p.sig.mu.Unlock()

	if old != nil {
		*old = p.sig.mask
	}
	if set == nil {
		return kerr.None
	}
	switch how {
	case SigBlock:
		p.sig.mask |= *set
	case SigUnblock:
		p.sig.mask &^= *set
	case SigSetMask:
		p.sig.mask = *set
	default:
		return kerr.EINVAL
	}
	return kerr.None
}

// Pending returns the set of signals currently pending for p
// (signal_pending).
func (p *Process) Pending() SigSet {
	p.sig.mu.Lock()
	defer p.sig.mu.Unlock()
	return p.sig.pending
}

// SignalSuspend installs mask (with SIGKILL/SIGSTOP forced unblocked)
// as p's mask, sleeps p's task interruptibly until a signal arrives,
// then restores the previous mask and returns the wakeup result
// (signal_suspend). Like the original, the sleep is not queued on any
// wait channel: only an interrupting signal (or a spurious wakeup,
// surfaced to the caller as the same EINTR) can end it.
func (p *Process) SignalSuspend(mask SigSet) kerr.Err {
	mask.Del(SIGKILL)
	mask.Del(SIGSTOP)

	var old SigSet
	p.SignalMask(SigSetMask, &mask, &old)

	cpu := 0
	if c := p.task.CurrentCPU(); c != nil {
		cpu = c.ID
	}

	s := p.kernel.sched
	s.Lock(cpu)
	r := s.Sleep(p.task, nil, sched.StateSleepInterruptible, 0, nil)
	s.Unlock(cpu)

	p.SignalMask(SigSetMask, &old, nil)
	return r
}
