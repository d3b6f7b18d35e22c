//go:build linux

// Package mqueue wraps the Linux POSIX message-queue syscalls used for the
// commit handshake between the filesystem daemon and the unmount driver.
// The standard library has no binding for these, so the package goes
// through golang.org/x/sys/unix directly.
package mqueue

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Open flags.
const (
	ReadOnly  = unix.O_RDONLY
	WriteOnly = unix.O_WRONLY
	Create    = unix.O_CREAT
)

// defaultMsgSize mirrors the kernel's usual mqueue msgsize_max when the
// real limit cannot be determined.
const defaultMsgSize = 8192

// mqAttr is the kernel's struct mq_attr.
type mqAttr struct {
	Flags   int64
	MaxMsg  int64
	MsgSize int64
	CurMsgs int64
	_       [4]int64
}

// Queue is an open POSIX message queue.
type Queue struct {
	fd   int
	name string
}

// kernelName strips the leading slash the POSIX API requires but the raw
// syscall rejects.
func kernelName(name string) (*byte, error) {
	return unix.BytePtrFromString(strings.TrimPrefix(name, "/"))
}

// Open opens (and with Create, creates) the named queue with the given
// permission mode and default queue attributes.
func Open(name string, flags int, mode uint32) (*Queue, error) {
	p, err := kernelName(name)
	if err != nil {
		return nil, err
	}
	fd, _, errno := unix.Syscall6(unix.SYS_MQ_OPEN,
		uintptr(unsafe.Pointer(p)), uintptr(flags), uintptr(mode), 0, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("mq_open %s: %w", name, errno)
	}
	return &Queue{fd: int(fd), name: name}, nil
}

// MsgSize returns the queue's message size limit, falling back to the
// system-wide msgsize_max and finally to a fixed default.
func (q *Queue) MsgSize() int {
	var attr mqAttr
	_, _, errno := unix.Syscall(unix.SYS_MQ_GETSETATTR,
		uintptr(q.fd), 0, uintptr(unsafe.Pointer(&attr)))
	if errno == 0 && attr.MsgSize > 0 {
		return int(attr.MsgSize)
	}
	if data, err := os.ReadFile("/proc/sys/fs/mqueue/msgsize_max"); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			return n
		}
	}
	return defaultMsgSize
}

// TimedSend sends a message with the given priority, waiting until the
// absolute deadline if the queue is full.
func (q *Queue) TimedSend(data []byte, prio uint, deadline time.Time) error {
	ts := unix.NsecToTimespec(deadline.UnixNano())
	for {
		_, _, errno := unix.Syscall6(unix.SYS_MQ_TIMEDSEND,
			uintptr(q.fd),
			uintptr(unsafe.Pointer(&data[0])),
			uintptr(len(data)),
			uintptr(prio),
			uintptr(unsafe.Pointer(&ts)), 0)
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("mq_timedsend %s: %w", q.name, errno)
		}
	}
}

// TimedReceive receives one message, waiting until the absolute deadline.
// The buffer must be at least MsgSize bytes. Timeouts surface as
// unix.ETIMEDOUT.
func (q *Queue) TimedReceive(buf []byte, deadline time.Time) (int, uint, error) {
	ts := unix.NsecToTimespec(deadline.UnixNano())
	var prio uint32
	for {
		n, _, errno := unix.Syscall6(unix.SYS_MQ_TIMEDRECEIVE,
			uintptr(q.fd),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(len(buf)),
			uintptr(unsafe.Pointer(&prio)),
			uintptr(unsafe.Pointer(&ts)), 0)
		switch errno {
		case 0:
			return int(n), uint(prio), nil
		case unix.EINTR:
			continue
		default:
			return 0, 0, fmt.Errorf("mq_timedreceive %s: %w", q.name, errno)
		}
	}
}

// Close closes the queue descriptor. The name stays in the namespace until
// Unlink.
func (q *Queue) Close() error {
	return unix.Close(q.fd)
}

// Unlink removes the named queue from the namespace.
func Unlink(name string) error {
	p, err := kernelName(name)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_MQ_UNLINK, uintptr(unsafe.Pointer(p)), 0, 0)
	if errno != 0 && errno != unix.ENOENT {
		return fmt.Errorf("mq_unlink %s: %w", name, errno)
	}
	return nil
}
