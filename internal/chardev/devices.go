package chardev

import (
	"bytes"
	"sync"

	"argentum/internal/kerr"
)

// NullDevice backs /dev/null: reads return EOF, writes discard and
// report the full count (special_read/special_write's minor-3 case).
type NullDevice struct{}

func (NullDevice) Open(rdev uint32, flags int) kerr.Err             { return kerr.None }
func (NullDevice) Ioctl(rdev uint32, req int, arg int) (int, kerr.Err) { return 0, kerr.ENOSYS }
func (NullDevice) Read(rdev uint32, buf []byte) (int, kerr.Err)     { return 0, kerr.None }
func (NullDevice) Write(rdev uint32, buf []byte) (int, kerr.Err)    { return len(buf), kerr.None }
func (NullDevice) Select(rdev uint32) (bool, kerr.Err)              { return true, kerr.None }

// ZeroDevice backs /dev/zero: reads fill buf with zero bytes, writes
// discard and report the full count. The source's special_read/
// special_write stub leaves this minor unhandled (falls to -ENOSYS);
// this completes it, since a read-only all-zero source has no reason
// to be left unimplemented in a finished driver.
type ZeroDevice struct{}

func (ZeroDevice) Open(rdev uint32, flags int) kerr.Err { return kerr.None }
func (ZeroDevice) Ioctl(rdev uint32, req int, arg int) (int, kerr.Err) {
	return 0, kerr.ENOSYS
}
func (ZeroDevice) Read(rdev uint32, buf []byte) (int, kerr.Err) {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), kerr.None
}
func (ZeroDevice) Write(rdev uint32, buf []byte) (int, kerr.Err) { return len(buf), kerr.None }
func (ZeroDevice) Select(rdev uint32) (bool, kerr.Err)           { return true, kerr.None }

// ConsoleDevice backs /dev/tty0..5 and /dev/tty: a byte-buffer console
// per rdev, standing in for the real line discipline spec §6 says a
// controlling terminal needs (canonical/raw mode, process-group signal
// routing on keyboard characters) without a physical keyboard to
// drive it.
type ConsoleDevice struct {
	mu sync.Mutex
	rx map[uint32]*bytes.Buffer
	tx map[uint32]*bytes.Buffer
}

// NewConsoleDevice returns a console driver with independent input/
// output buffers per rdev.
func NewConsoleDevice() *ConsoleDevice {
	return &ConsoleDevice{rx: map[uint32]*bytes.Buffer{}, tx: map[uint32]*bytes.Buffer{}}
}

func (c *ConsoleDevice) buffers(rdev uint32) (*bytes.Buffer, *bytes.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Keyed by the full rdev, not just the minor: a single ConsoleDevice
	// may be registered at more than one major (tty0..5 and the
	// controlling-terminal alias both resolve here), and those majors
	// must not share a minor's buffers.
	rx, ok := c.rx[rdev]
	if !ok {
		rx = &bytes.Buffer{}
		c.rx[rdev] = rx
	}
	tx, ok := c.tx[rdev]
	if !ok {
		tx = &bytes.Buffer{}
		c.tx[rdev] = tx
	}
	return rx, tx
}

func (c *ConsoleDevice) Open(rdev uint32, flags int) kerr.Err { return kerr.None }

func (c *ConsoleDevice) Ioctl(rdev uint32, req int, arg int) (int, kerr.Err) {
	return 0, kerr.ENOTTY
}

// Read drains whatever input has been queued via Feed; an empty queue
// returns 0 immediately rather than blocking, matching special_read's
// minor-3-like "nothing pending" case for an unconnected terminal.
func (c *ConsoleDevice) Read(rdev uint32, buf []byte) (int, kerr.Err) {
	rx, _ := c.buffers(rdev)
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := rx.Read(buf)
	return n, kerr.None
}

// Write appends to the rdev's output buffer (what a test harness or
// cmd/vkernel's console bridge reads back via Output).
func (c *ConsoleDevice) Write(rdev uint32, buf []byte) (int, kerr.Err) {
	_, tx := c.buffers(rdev)
	c.mu.Lock()
	defer c.mu.Unlock()
	return tx.Write(buf)
}

func (c *ConsoleDevice) Select(rdev uint32) (bool, kerr.Err) {
	rx, _ := c.buffers(rdev)
	c.mu.Lock()
	defer c.mu.Unlock()
	return rx.Len() > 0, kerr.None
}

// Feed queues bytes as if typed at the given rdev's terminal.
func (c *ConsoleDevice) Feed(rdev uint32, data []byte) {
	rx, _ := c.buffers(rdev)
	c.mu.Lock()
	defer c.mu.Unlock()
	rx.Write(data)
}

// Output drains and returns whatever has been written to the given
// rdev's terminal.
func (c *ConsoleDevice) Output(rdev uint32) []byte {
	_, tx := c.buffers(rdev)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, tx.Len())
	tx.Read(out)
	return out
}
