package ksync

import (
	"argentum/internal/circbuf"
	"argentum/internal/irq"
	"argentum/internal/kerr"
	"argentum/internal/sched"
)

// MailBox is a fixed-size message ring with two wait queues (senders,
// receivers), grounded on original_source/kernel/core/mailbox.c. Its
// backing storage is a circbuf.Ring sized to an exact multiple of
// msgSize, so the ring's byte-level Full/Empty exactly track the
// message-level fullness the source tracks with a separate counter.
type MailBox struct {
	s         *sched.Scheduler
	lock      *irq.Spinlock
	receivers sched.Queue
	senders   sched.Queue
	ring      *circbuf.Ring
	msgSize   int
}

// NewMailBox creates a mailbox holding up to capacity messages of
// msgSize bytes each (k_mailbox_create).
func NewMailBox(s *sched.Scheduler, msgSize, capacity int) *MailBox {
	if msgSize <= 0 || capacity <= 0 {
		panic("ksync: bad mailbox dimensions")
	}
	return &MailBox{
		s:       s,
		lock:    irq.NewSpinlock("ksync.mailbox"),
		ring:    circbuf.NewRing(msgSize * capacity),
		msgSize: msgSize,
	}
}

func (mb *MailBox) tryReceiveLocked(cpu int, msg []byte) kerr.Err {
	if mb.ring.Empty() {
		return kerr.EAGAIN
	}
	wasFull := mb.ring.Full()
	mb.ring.Read(msg[:mb.msgSize])
	if wasFull {
		mb.s.Lock(cpu)
		mb.s.WakeupOneLocked(cpu, &mb.senders, kerr.None)
		mb.s.Unlock(cpu)
	}
	return kerr.None
}

// TryReceive copies one message out of the mailbox without blocking
// (k_mailbox_try_receive). msg must be at least msgSize bytes. cpu
// identifies the calling context.
func (mb *MailBox) TryReceive(cpu int, msg []byte) kerr.Err {
	mb.lock.Acquire(cpu)
	defer mb.lock.Release(cpu)
	return mb.tryReceiveLocked(cpu, msg)
}

// Receive blocks until a message is available (k_mailbox_timed_receive).
// It takes no timeout and waits without a time limit; it returns
// early only with the error of an interrupted sleep.
func (mb *MailBox) Receive(t *sched.Task, msg []byte) kerr.Err {
	cpu := t.CurrentCPU().ID
	mb.lock.Acquire(cpu)
	defer mb.lock.Release(cpu)
	for {
		r := mb.tryReceiveLocked(cpu, msg)
		if r != kerr.EAGAIN {
			return r
		}
		r = mb.s.Sleep(t, &mb.receivers, sched.StateSleepInterruptible, 0, mb.lock)
		if r != kerr.None {
			return r
		}
	}
}

func (mb *MailBox) trySendLocked(cpu int, msg []byte) kerr.Err {
	if mb.ring.Full() {
		return kerr.EAGAIN
	}
	wasEmpty := mb.ring.Empty()
	mb.ring.Write(msg[:mb.msgSize])
	if wasEmpty {
		mb.s.Lock(cpu)
		mb.s.WakeupOneLocked(cpu, &mb.receivers, kerr.None)
		mb.s.Unlock(cpu)
	}
	return kerr.None
}

// TrySend copies one message into the mailbox without blocking
// (k_mailbox_try_send). cpu identifies the calling context.
func (mb *MailBox) TrySend(cpu int, msg []byte) kerr.Err {
	mb.lock.Acquire(cpu)
	defer mb.lock.Release(cpu)
	return mb.trySendLocked(cpu, msg)
}

// Send blocks until room is available (k_mailbox_timed_send). It takes
// no timeout and waits without a time limit; it returns early only
// with the error of an interrupted sleep.
func (mb *MailBox) Send(t *sched.Task, msg []byte) kerr.Err {
	cpu := t.CurrentCPU().ID
	mb.lock.Acquire(cpu)
	defer mb.lock.Release(cpu)
	for {
		r := mb.trySendLocked(cpu, msg)
		if r != kerr.EAGAIN {
			return r
		}
		r = mb.s.Sleep(t, &mb.senders, sched.StateSleepInterruptible, 0, mb.lock)
		if r != kerr.None {
			return r
		}
	}
}

// Destroy wakes every sender and receiver with EINVAL
// (k_mailbox_fini_common).
func (mb *MailBox) Destroy(cpu int) {
	mb.lock.Acquire(cpu)
	defer mb.lock.Release(cpu)
	mb.s.Lock(cpu)
	mb.s.WakeupAllLocked(cpu, &mb.receivers, kerr.EINVAL)
	mb.s.WakeupAllLocked(cpu, &mb.senders, kerr.EINVAL)
	mb.s.Unlock(cpu)
}
