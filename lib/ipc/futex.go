package ipc

import (
	"fmt"
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The futex words live in a MAP_SHARED file mapping, so the private
// (process-local) futex ops must not be used.
const (
	_FUTEX_WAIT = 0
	_FUTEX_WAKE = 1
)

// futex syscall wrapper
func futex(addr *uint32, op int, val uint32, timeout *unix.Timespec) (int, unix.Errno) {
	r1, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), uintptr(op), uintptr(val), uintptr(unsafe.Pointer(timeout)), 0, 0)
	return int(r1), errno
}

// futexWait sleeps while *addr == val, for at most d.
// The kernel compares *addr with val atomically before sleeping, so a wake
// that lands between the caller's load and this call is not lost.
// Timeouts, spurious wakes and interrupted sleeps all return nil; the caller
// re-checks its condition.
func futexWait(addr *uint32, val uint32, d time.Duration) error {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	_, errno := futex(addr, _FUTEX_WAIT, val, &ts)
	switch errno {
	case 0, unix.EAGAIN, unix.ETIMEDOUT, unix.EINTR:
		return nil
	default:
		return fmt.Errorf("FUTEX_WAIT: %v", errno)
	}
}

// futexWake wakes all threads sleeping at an address
func futexWake(addr *uint32) error {
	_, errno := futex(addr, _FUTEX_WAKE, math.MaxInt32, nil)
	if errno != 0 {
		return fmt.Errorf("FUTEX_WAKE: %v", errno)
	}
	return nil
}
