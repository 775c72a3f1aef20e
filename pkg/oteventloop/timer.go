package oteventloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a kernel timerfd wrapped for registration with an
// EventManager. A timer is typically registered for Read readiness; the
// registered callback calls Check.
type Timer struct {
	fd       int
	callback func()
}

// NewTimer creates an unarmed timer backed by CLOCK_MONOTONIC.
func NewTimer(callback func()) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	return &Timer{fd: fd, callback: callback}, nil
}

// Arm schedules the timer to fire after interval, then every period
// thereafter; period of 0 means one-shot. A zero or negative interval is
// adjusted to the smallest positive duration so the timer fires instead
// of disarming (timerfd treats an all-zero itimerspec as "disarm").
func (t *Timer) Arm(interval, period time.Duration) error {
	if interval <= 0 {
		interval = 1
	}

	spec := unix.ItimerSpec{
		Value:    durationToTimespec(interval),
		Interval: durationToTimespec(period),
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

// ArmGranular is Arm taking an already-assembled itimerspec, for callers
// that need sub-second precision without going through time.Duration's
// rounding.
func (t *Timer) ArmGranular(spec unix.ItimerSpec) error {
	if spec.Value.Sec == 0 && spec.Value.Nsec == 0 {
		spec.Value.Nsec = 1
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

// Check reads the expiration counter and, if at least one expiration
// occurred since the last call, invokes the callback. Returns whether it
// fired.
func (t *Timer) Check() (bool, error) {
	buf := make([]byte, 8)
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("reading timerfd: %w", err)
	}
	if n != 8 {
		return false, nil
	}
	if t.callback != nil {
		t.callback()
	}
	return true, nil
}

// FD returns the descriptor to register with an EventManager.
func (t *Timer) FD() int {
	return t.fd
}

// Close disarms and closes the underlying timerfd. One-shot timers must
// be closed by the caller after firing.
func (t *Timer) Close() error {
	return unix.Close(t.fd)
}

func durationToTimespec(d time.Duration) unix.Timespec {
	return unix.NsecToTimespec(d.Nanoseconds())
}
