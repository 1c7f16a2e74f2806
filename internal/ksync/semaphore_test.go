package ksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argentum/internal/kerr"
	"argentum/internal/sched"
)

func TestSemaphore_TryGetExhaustsCount(t *testing.T) {
	sem := NewSemaphore(nil, 2)
	assert.Equal(t, kerr.None, sem.TryGet(0))
	assert.Equal(t, kerr.None, sem.TryGet(0))
	assert.Equal(t, kerr.EAGAIN, sem.TryGet(0), "a zero-count semaphore rejects further TryGet calls")
}

func TestSemaphore_PutWakesBlockedGet(t *testing.T) {
	s := sched.New(1)
	alloc := newMutexTestAlloc(t, 16)
	sem := NewSemaphore(s, 0)
	done := make(chan struct{})

	task := s.CreateTask(alloc, func(tk *sched.Task) {
		assert.Equal(t, kerr.None, sem.Get(tk, 0, false))
		close(done)
	}, 10)

	require.Equal(t, kerr.None, s.Resume(0, task))
	go s.Run(0)

	time.Sleep(50 * time.Millisecond)
	sem.Put(50)

	waitMutexOrTimeout(t, done)
}

func TestSemaphore_GetTimesOut(t *testing.T) {
	s := sched.New(1)
	alloc := newMutexTestAlloc(t, 16)
	sem := NewSemaphore(s, 0)
	done := make(chan struct{})

	task := s.CreateTask(alloc, func(tk *sched.Task) {
		assert.Equal(t, kerr.ETIMEDOUT, sem.Get(tk, 20*time.Millisecond, false))
		close(done)
	}, 10)

	require.Equal(t, kerr.None, s.Resume(0, task))
	go s.Run(0)
	waitMutexOrTimeout(t, done)
}

func TestSemaphore_DestroyWakesWaiterWithEINVAL(t *testing.T) {
	s := sched.New(1)
	alloc := newMutexTestAlloc(t, 16)
	sem := NewSemaphore(s, 0)
	done := make(chan struct{})

	task := s.CreateTask(alloc, func(tk *sched.Task) {
		assert.Equal(t, kerr.EINVAL, sem.Get(tk, 0, false))
		close(done)
	}, 10)

	require.Equal(t, kerr.None, s.Resume(0, task))
	go s.Run(0)

	time.Sleep(50 * time.Millisecond)
	sem.Destroy(50)

	waitMutexOrTimeout(t, done)
}
