package ksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argentum/internal/kerr"
	"argentum/internal/mem"
	"argentum/internal/sched"
)

func newMutexTestAlloc(t *testing.T, frames int) *mem.Allocator {
	t.Helper()
	a := mem.New(frames)
	a.SeedRegion(0, mem.Frame(frames))
	return a
}

func waitMutexOrTimeout(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task completion")
	}
}

func TestMutex_TryLockExclusionAndErrors(t *testing.T) {
	s := sched.New(1)
	alloc := newMutexTestAlloc(t, 16)
	m := NewMutex(s)
	done := make(chan struct{})

	task1 := s.CreateTask(alloc, func(tk *sched.Task) {
		assert.Equal(t, kerr.None, m.TryLock(tk))
		assert.Equal(t, kerr.EDEADLK, m.TryLock(tk), "relocking a mutex already held by the same task is a deadlock")
	}, 10)

	task2 := s.CreateTask(alloc, func(tk *sched.Task) {
		assert.Equal(t, kerr.EAGAIN, m.TryLock(tk), "a mutex held by another task rejects TryLock")
		assert.Equal(t, kerr.EPERM, m.Unlock(tk), "only the owner may unlock a mutex")
		close(done)
	}, 10)

	require.Equal(t, kerr.None, s.Resume(0, task1))
	require.Equal(t, kerr.None, s.Resume(0, task2))

	go s.Run(0)
	waitMutexOrTimeout(t, done)
}

func TestMutex_UnlockWakesHighestPriorityWaiterFirst(t *testing.T) {
	// Each task gets its own simulated cpu: the owner's goroutine blocks
	// on a raw channel (not a scheduler-cooperative yield) while
	// "holding" the lock, which would otherwise wedge a shared
	// dispatch loop that the waiters' cpus need serviced independently.
	s := sched.New(3)
	alloc := newMutexTestAlloc(t, 16)
	m := NewMutex(s)

	gotLock := make(chan struct{})
	releaseOwner := make(chan struct{})
	var order []string
	orderDone := make(chan struct{})

	owner := s.CreateTask(alloc, func(tk *sched.Task) {
		assert.Equal(t, kerr.None, m.TryLock(tk))
		close(gotLock)
		<-releaseOwner
		assert.Equal(t, kerr.None, m.Unlock(tk))
	}, 20)

	lowWaiter := s.CreateTask(alloc, func(tk *sched.Task) {
		<-gotLock
		assert.Equal(t, kerr.None, m.Lock(tk))
		order = append(order, "low")
		assert.Equal(t, kerr.None, m.Unlock(tk))
	}, 15)

	highWaiter := s.CreateTask(alloc, func(tk *sched.Task) {
		<-gotLock
		assert.Equal(t, kerr.None, m.Lock(tk))
		order = append(order, "high")
		assert.Equal(t, kerr.None, m.Unlock(tk))
		close(orderDone)
	}, 5)

	require.Equal(t, kerr.None, s.Resume(0, owner))
	require.Equal(t, kerr.None, s.Resume(1, lowWaiter))
	require.Equal(t, kerr.None, s.Resume(2, highWaiter))

	go s.Run(0)
	go s.Run(1)
	go s.Run(2)
	<-gotLock
	// Give both waiters a chance to block on the mutex queue before the
	// owner releases it, so unlock has an actual choice to make.
	time.Sleep(50 * time.Millisecond)
	close(releaseOwner)

	waitMutexOrTimeout(t, orderDone)
	assert.Equal(t, []string{"high", "low"}, order, "unlock must wake the highest-priority waiter, not FIFO order")
}

func TestMutex_LockDonatesOwnerPriority(t *testing.T) {
	s := sched.New(2)
	alloc := newMutexTestAlloc(t, 16)
	m := NewMutex(s)

	gotLock := make(chan struct{})
	releaseOwner := make(chan struct{})
	ownerDone := make(chan struct{})
	waiterDone := make(chan struct{})

	var owner *sched.Task
	owner = s.CreateTask(alloc, func(tk *sched.Task) {
		assert.Equal(t, kerr.None, m.TryLock(tk))
		close(gotLock)
		<-releaseOwner
		assert.Equal(t, kerr.None, m.Unlock(tk))
		close(ownerDone)
	}, 20)

	waiter := s.CreateTask(alloc, func(tk *sched.Task) {
		assert.Equal(t, kerr.None, m.Lock(tk))
		assert.Equal(t, kerr.None, m.Unlock(tk))
		close(waiterDone)
	}, 5)

	require.Equal(t, kerr.None, s.Resume(0, owner))
	go s.Run(0)
	<-gotLock

	require.Equal(t, kerr.None, s.Resume(1, waiter))
	go s.Run(1)

	// Let the waiter's Lock reach the point where it donates its
	// priority to owner and goes to sleep on the mutex queue.
	time.Sleep(50 * time.Millisecond)

	s.Lock(0)
	donated := owner.Priority
	s.Unlock(0)
	assert.Equal(t, 5, donated, "a blocked higher-priority waiter must raise the owner's effective priority")

	close(releaseOwner)
	waitMutexOrTimeout(t, ownerDone)
	waitMutexOrTimeout(t, waiterDone)
}

func TestMutex_UnlockRestoresOwnerSavedPriorityAfterDonation(t *testing.T) {
	s := sched.New(2)
	alloc := newMutexTestAlloc(t, 16)
	m := NewMutex(s)

	gotLock := make(chan struct{})
	releaseOwner := make(chan struct{})
	ownerDone := make(chan struct{})
	waiterDone := make(chan struct{})

	owner := s.CreateTask(alloc, func(tk *sched.Task) {
		assert.Equal(t, kerr.None, m.TryLock(tk))
		close(gotLock)
		<-releaseOwner
		assert.Equal(t, kerr.None, m.Unlock(tk))
		close(ownerDone)
	}, 20)

	waiter := s.CreateTask(alloc, func(tk *sched.Task) {
		assert.Equal(t, kerr.None, m.Lock(tk))
		assert.Equal(t, kerr.None, m.Unlock(tk))
		close(waiterDone)
	}, 5)

	require.Equal(t, kerr.None, s.Resume(0, owner))
	go s.Run(0)
	<-gotLock

	require.Equal(t, kerr.None, s.Resume(1, waiter))
	go s.Run(1)
	time.Sleep(50 * time.Millisecond)

	s.Lock(0)
	donated := owner.Priority
	s.Unlock(0)
	require.Equal(t, 5, donated, "precondition: owner must have inherited the waiter's priority")

	close(releaseOwner)
	waitMutexOrTimeout(t, ownerDone)
	waitMutexOrTimeout(t, waiterDone)

	s.Lock(0)
	restored := owner.Priority
	s.Unlock(0)
	assert.Equal(t, 20, restored, "releasing the mutex must recompute the owner's priority back to its saved value")
}

func TestMutex_PriorityDonationPropagatesTransitivelyAcrossMutexChain(t *testing.T) {
	// L owns A; M owns B and blocks trying to acquire A; H blocks
	// trying to acquire B. H's priority must reach L by walking the
	// whole chain, not just M (the owner of the mutex H blocks on).
	s := sched.New(3)
	alloc := newMutexTestAlloc(t, 16)
	a := NewMutex(s)
	b := NewMutex(s)

	lGotA := make(chan struct{})
	mGotB := make(chan struct{})
	releaseL := make(chan struct{})
	lDone := make(chan struct{})
	mDone := make(chan struct{})
	hDone := make(chan struct{})

	lTask := s.CreateTask(alloc, func(tk *sched.Task) {
		require.Equal(t, kerr.None, a.TryLock(tk))
		close(lGotA)
		<-releaseL
		assert.Equal(t, kerr.None, a.Unlock(tk))
		close(lDone)
	}, 20)

	mTask := s.CreateTask(alloc, func(tk *sched.Task) {
		<-lGotA
		require.Equal(t, kerr.None, b.TryLock(tk))
		close(mGotB)
		assert.Equal(t, kerr.None, a.Lock(tk))
		assert.Equal(t, kerr.None, a.Unlock(tk))
		assert.Equal(t, kerr.None, b.Unlock(tk))
		close(mDone)
	}, 15)

	hTask := s.CreateTask(alloc, func(tk *sched.Task) {
		<-mGotB
		// Give M's goroutine time to actually block inside a.Lock and
		// record SleepOnMutex before H donates into B.
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, kerr.None, b.Lock(tk))
		assert.Equal(t, kerr.None, b.Unlock(tk))
		close(hDone)
	}, 5)

	require.Equal(t, kerr.None, s.Resume(0, lTask))
	require.Equal(t, kerr.None, s.Resume(1, mTask))
	require.Equal(t, kerr.None, s.Resume(2, hTask))

	go s.Run(0)
	go s.Run(1)
	go s.Run(2)

	<-mGotB
	time.Sleep(150 * time.Millisecond)

	s.Lock(0)
	lPriority := lTask.Priority
	s.Unlock(0)
	assert.Equal(t, 5, lPriority, "priority donation must propagate transitively through a chain of blocked mutexes")

	close(releaseL)
	waitMutexOrTimeout(t, lDone)
	waitMutexOrTimeout(t, mDone)
	waitMutexOrTimeout(t, hDone)
}

func TestMutex_Holding(t *testing.T) {
	s := sched.New(1)
	alloc := newMutexTestAlloc(t, 16)
	m := NewMutex(s)
	done := make(chan struct{})

	task1 := s.CreateTask(alloc, func(tk *sched.Task) {
		assert.False(t, m.Holding(tk))
		assert.Equal(t, kerr.None, m.TryLock(tk))
		assert.True(t, m.Holding(tk))
		close(done)
	}, 10)

	require.Equal(t, kerr.None, s.Resume(0, task1))
	go s.Run(0)
	waitMutexOrTimeout(t, done)
}

func TestMutex_DestroyWakesWaitersWithEINVAL(t *testing.T) {
	s := sched.New(1)
	alloc := newMutexTestAlloc(t, 16)
	m := NewMutex(s)

	gotLock := make(chan struct{})
	done := make(chan struct{})

	owner := s.CreateTask(alloc, func(tk *sched.Task) {
		assert.Equal(t, kerr.None, m.TryLock(tk))
		close(gotLock)
	}, 10)

	waiter := s.CreateTask(alloc, func(tk *sched.Task) {
		<-gotLock
		assert.Equal(t, kerr.EINVAL, m.Lock(tk))
		close(done)
	}, 10)

	require.Equal(t, kerr.None, s.Resume(0, owner))
	require.Equal(t, kerr.None, s.Resume(0, waiter))

	go s.Run(0)
	<-gotLock
	time.Sleep(50 * time.Millisecond)
	m.Destroy(0)

	waitMutexOrTimeout(t, done)
}
