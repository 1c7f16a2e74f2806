package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argentum/internal/kerr"
)

func TestSigSet_AddDelHas(t *testing.T) {
	var set SigSet
	assert.False(t, set.Has(SIGTERM))

	set.Add(SIGTERM)
	assert.True(t, set.Has(SIGTERM))
	assert.False(t, set.Has(SIGINT))

	set.Del(SIGTERM)
	assert.False(t, set.Has(SIGTERM))
}

func TestPostSignal_DedupSuppressesRepeat(t *testing.T) {
	k, s := newTestKernel(t, 1)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		p.postSignal(0, SIGUSR1, 0)
		p.postSignal(0, SIGUSR1, 0)

		assert.True(t, p.Pending().Has(SIGUSR1))
		p.sig.mu.Lock()
		n := len(p.sig.queue)
		p.sig.mu.Unlock()
		assert.Equal(t, 1, n, "a non-SIGCHLD signal already pending must not be queued twice")
		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
}

func TestPostSignal_SIGCHLDBypassesDedupUpToBacklogCap(t *testing.T) {
	k, s := newTestKernel(t, 1)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		for i := 0; i < sigchldBacklogCap+5; i++ {
			p.postSignal(0, SIGCHLD, 0)
		}
		p.sig.mu.Lock()
		n := len(p.sig.queue)
		p.sig.mu.Unlock()
		assert.Equal(t, sigchldBacklogCap, n, "SIGCHLD backlog must cap rather than grow unbounded")
		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
}

func TestPostSignal_MaskedIgnoredSignalIsDropped(t *testing.T) {
	k, s := newTestKernel(t, 1)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		action := SigAction{Disposition: DispositionIgnore}
		require.Equal(t, kerr.None, p.SignalAction(SIGUSR2, &action, nil))

		var set SigSet
		set.Add(SIGUSR2)
		require.Equal(t, kerr.None, p.SignalMask(SigBlock, &set, nil))

		p.postSignal(0, SIGUSR2, 0)
		assert.False(t, p.Pending().Has(SIGUSR2), "a masked signal with SIG_IGN disposition is dropped outright")
		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
}

func TestDeliverPending_DefaultDispositionTerminatesProcess(t *testing.T) {
	k, s := newTestKernel(t, 1)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		p.postSignal(0, SIGTERM, 0)
		p.DeliverPending(0)

		p.mu.Lock()
		state := p.state
		p.mu.Unlock()
		assert.Equal(t, StateZombie, state, "an unhandled, non-special signal's default action terminates the process")
		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
}

func TestDeliverPending_HandlerDispositionInvokesHandler(t *testing.T) {
	k, s := newTestKernel(t, 1)
	done := make(chan struct{})
	var gotSigno int

	k.Spawn(func(p *Process) {
		action := SigAction{
			Disposition: DispositionHandler,
			Handler:     func(pp *Process, signo int) { gotSigno = signo },
		}
		require.Equal(t, kerr.None, p.SignalAction(SIGUSR1, &action, nil))

		p.postSignal(0, SIGUSR1, 0)
		p.DeliverPending(0)

		p.mu.Lock()
		state := p.state
		p.mu.Unlock()
		assert.Equal(t, StateActive, state, "a handled signal must not terminate the process")
		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
	assert.Equal(t, SIGUSR1, gotSigno)
}

func TestDeliverPending_IgnoreDispositionDiscardsWithoutAction(t *testing.T) {
	k, s := newTestKernel(t, 1)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		action := SigAction{Disposition: DispositionIgnore}
		require.Equal(t, kerr.None, p.SignalAction(SIGUSR2, &action, nil))

		p.postSignal(0, SIGUSR2, 0)
		p.DeliverPending(0)

		p.mu.Lock()
		state := p.state
		p.mu.Unlock()
		assert.Equal(t, StateActive, state)
		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
}

func TestDeliverPending_SIGCHLDAndSIGURGAreNoOpsByDefault(t *testing.T) {
	k, s := newTestKernel(t, 1)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		p.postSignal(0, SIGCHLD, 0)
		p.DeliverPending(0)
		p.postSignal(0, SIGURG, 0)
		p.DeliverPending(0)

		p.mu.Lock()
		state := p.state
		p.mu.Unlock()
		assert.Equal(t, StateActive, state)
		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
}

func TestStopAndContinue_TransitionsProcessState(t *testing.T) {
	k, s := newTestKernel(t, 1)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		p.postSignal(0, SIGSTOP, 0)
		p.DeliverPending(0)

		p.mu.Lock()
		state := p.state
		status := p.status
		p.mu.Unlock()
		assert.Equal(t, StateStopped, state)
		assert.Equal(t, 0x7f, status)

		p.postSignal(0, SIGCONT, 0)
		p.DeliverPending(0)

		p.mu.Lock()
		state = p.state
		p.mu.Unlock()
		assert.Equal(t, StateActive, state)
		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
}

func TestSignalMask_BlockUnblockSetMask(t *testing.T) {
	k, s := newTestKernel(t, 1)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		var block SigSet
		block.Add(SIGUSR1)
		block.Add(SIGUSR2)
		require.Equal(t, kerr.None, p.SignalMask(SigBlock, &block, nil))

		var old SigSet
		require.Equal(t, kerr.None, p.SignalMask(SigUnblock, &SigSet{}, &old))
		assert.True(t, old.Has(SIGUSR1))

		var unblock SigSet
		unblock.Add(SIGUSR1)
		require.Equal(t, kerr.None, p.SignalMask(SigUnblock, &unblock, nil))

		var mask SigSet
		require.Equal(t, kerr.None, p.SignalMask(SigSetMask, nil, &mask))
		assert.False(t, mask.Has(SIGUSR1))
		assert.True(t, mask.Has(SIGUSR2))
		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
}

func TestSignalMask_RejectsBlockingSIGKILLOrSIGSTOP(t *testing.T) {
	k, s := newTestKernel(t, 1)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		var set SigSet
		set.Add(SIGKILL)
		assert.Equal(t, kerr.EINVAL, p.SignalMask(SigBlock, &set, nil))
		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
}

func TestSignalAction_RejectsChangingSIGKILLOrSIGSTOPDisposition(t *testing.T) {
	k, s := newTestKernel(t, 1)
	done := make(chan struct{})

	k.Spawn(func(p *Process) {
		action := SigAction{Disposition: DispositionIgnore}
		assert.Equal(t, kerr.EINVAL, p.SignalAction(SIGKILL, &action, nil))
		assert.Equal(t, kerr.EINVAL, p.SignalAction(SIGSTOP, &action, nil))

		// Restoring the default disposition for either is still allowed.
		def := SigAction{Disposition: DispositionDefault}
		assert.Equal(t, kerr.None, p.SignalAction(SIGKILL, &def, nil))
		close(done)
	}, 10)

	runAllCPUs(s, 1)
	waitProcOrTimeout(t, done)
}

func TestSignalGenerate_RejectsOutOfRangeSignal(t *testing.T) {
	k, _ := newTestKernel(t, 1)
	assert.Equal(t, kerr.EINVAL, k.SignalGenerate(0, nil, -1, 0, 0))
	assert.Equal(t, kerr.EINVAL, k.SignalGenerate(0, nil, -1, NSig+1, 0))
}

func TestSignalGenerate_DeliversToMatchingProcessGroup(t *testing.T) {
	k, s := newTestKernel(t, 2)
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	pA := k.Spawn(func(p *Process) {
		<-doneB
		assert.True(t, p.Pending().Has(SIGUSR1))
		close(doneA)
	}, 10)
	pB := k.Spawn(func(p *Process) {
		require.Equal(t, kerr.None, k.SetPGID(p, 0, 99))
		require.Equal(t, kerr.None, k.SetPGID(pA, pA.PID, 99))
		require.Equal(t, kerr.None, k.SignalGenerate(0, p, 0, SIGUSR1, 0))
		close(doneB)
	}, 10)
	_ = pB

	runAllCPUs(s, 2)
	waitProcOrTimeout(t, doneB)
	waitProcOrTimeout(t, doneA)
}

func TestSignalSuspend_WakesOnIncomingSignal(t *testing.T) {
	k, s := newTestKernel(t, 2)
	ready := make(chan struct{})
	done := make(chan struct{})
	var target *Process

	k.Spawn(func(p *Process) {
		target = p
		close(ready)
		r := p.SignalSuspend(0)
		assert.Equal(t, kerr.EINTR, r)
		close(done)
	}, 10)

	k.Spawn(func(p *Process) {
		<-ready
		time.Sleep(30 * time.Millisecond)
		target.postSignal(1, SIGUSR1, 0)
	}, 10)

	runAllCPUs(s, 2)
	waitProcOrTimeout(t, done)
}
