// Package oteventloop implements the single-threaded cooperative event
// loop that every other oniontrace component runs on top of: descriptor
// readiness multiplexing via epoll, and timer descriptors built on
// timerfd. All mutation of controller state happens on the goroutine
// that calls (*EventManager).Run, so nothing in the rest of this module
// needs a mutex.
package oteventloop

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/opd-ai/oniontrace/pkg/logger"
)

// Flags is a subset of {Read, Write} readiness a descriptor is watched
// for, and the subset that was actually observed when a callback fires.
type Flags uint32

const (
	Read Flags = 1 << iota
	Write
)

func (f Flags) has(o Flags) bool { return f&o != 0 }

// Callback receives the readiness mask actually observed for its
// descriptor, which may be a subset of what was registered.
type Callback func(observed Flags)

type watch struct {
	fd       int
	flags    Flags
	callback Callback
}

// EventManager multiplexes descriptor readiness with epoll and runs
// registered callbacks sequentially as descriptors become ready.
// At most one watch is held per descriptor; re-registering a descriptor
// replaces the prior watch.
type EventManager struct {
	epfd    int
	stopFD  int // eventfd written to by Stop to unblock epoll_wait
	watches map[int]*watch
	stopped bool
	log     *logger.Logger
}

// New creates an EventManager backed by a fresh epoll instance.
func New(log *logger.Logger) (*EventManager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	stopFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	em := &EventManager{
		epfd:    epfd,
		stopFD:  stopFD,
		watches: make(map[int]*watch),
		log:     log,
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, stopFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(stopFD),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(stopFD)
		return nil, fmt.Errorf("registering stop descriptor: %w", err)
	}

	return em, nil
}

func flagsToEpoll(f Flags) uint32 {
	var ev uint32
	if f.has(Read) {
		ev |= unix.EPOLLIN
	}
	if f.has(Write) {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func epollToFlags(ev uint32) Flags {
	var f Flags
	if ev&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		f |= Read
	}
	if ev&unix.EPOLLOUT != 0 {
		f |= Write
	}
	return f
}

// Register watches fd for the given readiness flags, invoking callback
// with the observed mask each time it fires. Re-registering the same fd
// replaces its prior watch. Returns false (and logs) on registration
// failure; the loop keeps running.
func (em *EventManager) Register(fd int, flags Flags, callback Callback) bool {
	op := unix.EPOLL_CTL_ADD
	if _, exists := em.watches[fd]; exists {
		op = unix.EPOLL_CTL_MOD
	}

	err := unix.EpollCtl(em.epfd, op, fd, &unix.EpollEvent{
		Events: flagsToEpoll(flags),
		Fd:     int32(fd),
	})
	if err != nil {
		if em.log != nil {
			em.log.Component("oteventloop").Info("registration failed", "fd", fd, "error", err)
		}
		return false
	}

	em.watches[fd] = &watch{fd: fd, flags: flags, callback: callback}
	return true
}

// Deregister removes fd's watch. Safe to call from within the callback
// currently running for fd; the in-flight call completes normally.
func (em *EventManager) Deregister(fd int) {
	if _, exists := em.watches[fd]; !exists {
		return
	}
	_ = unix.EpollCtl(em.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(em.watches, fd)
}

// Stop is sticky: it causes the next loop iteration (after the batch
// currently being processed, if any) to exit Run.
func (em *EventManager) Stop() {
	em.stopped = true
	buf := make([]byte, 8)
	buf[0] = 1
	_, _ = unix.Write(em.stopFD, buf)
}

// Run blocks, dispatching callbacks as descriptors become ready, until
// Stop is called or an unrecoverable readiness error occurs.
func (em *EventManager) Run() error {
	events := make([]unix.EpollEvent, 64)

	for !em.stopped {
		n, err := unix.EpollWait(em.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == em.stopFD {
				continue
			}
			w, exists := em.watches[fd]
			if !exists {
				// Deregistered by an earlier callback in this same batch.
				continue
			}
			w.callback(epollToFlags(events[i].Events))
		}
	}

	return nil
}

// Close releases the epoll and stop descriptors. Registered watches are
// not closed; ownership of those descriptors belongs to the caller.
func (em *EventManager) Close() error {
	unix.Close(em.stopFD)
	return unix.Close(em.epfd)
}
