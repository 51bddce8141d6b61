// Package procevent provides a scoped subscription to the kernel's
// process event connector (cn_proc), yielding fork and exec events.
//
// The connector multicasts an event for every process in the system over
// a netlink socket; receiving them requires root or CAP_NET_ADMIN.
// Delivery is best effort and the kernel sheds events under load, so
// callers must treat this source as a hint and bound every wait with a
// deadline.
package procevent

import (
	"encoding/binary"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Connector identity and multicast operations, from linux/connector.h
// and linux/cn_proc.h.
const (
	cnIdxProc = 0x1
	cnValProc = 0x1

	procCnMcastListen = 1
	procCnMcastIgnore = 2
)

// proc_event kinds. Only fork and exec are surfaced; everything else
// (none acks, exits, uid/gid/comm changes) is skipped.
const (
	procEventFork = 0x00000001
	procEventExec = 0x00000002
)

const (
	nlmsgHdrLen = 16
	cnMsgLen    = 20
	// proc_event carries what, cpu and a 64-bit timestamp before the
	// per-kind payload.
	eventDataOff = 16
)

// ErrDeadline is returned by Next when the deadline passes before a fork
// or exec event arrives. It is the expected outcome on a quiet system.
var ErrDeadline = errors.New("deadline reached before a process event arrived")

// Event denotes a newly forked or exec'd process.
type Event struct {
	// PID is the thread group id of the subject process.
	PID int32
}

// Listener is a single proc connector subscription. It is not safe for
// concurrent use and must be closed to release the socket.
type Listener struct {
	fd  int
	buf []byte
}

// Listen opens a netlink connector socket, joins the proc event
// multicast group and asks the kernel to start sending events.
func Listen() (*Listener, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open netlink connector socket")
	}

	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: cnIdxProc,
		Pid:    uint32(os.Getpid()),
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "failed to bind to proc connector group")
	}

	l := &Listener{fd: fd, buf: make([]byte, 4096)}
	if err := l.mcastOp(procCnMcastListen); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "failed to enable process event delivery")
	}

	return l, nil
}

// Next blocks until a fork or exec event arrives or deadline passes, in
// which case ErrDeadline is returned. Frames that cannot be parsed are
// skipped.
func (l *Listener) Next(deadline time.Time) (Event, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{}, ErrDeadline
		}

		tv := unix.NsecToTimeval(remaining.Nanoseconds())
		if err := unix.SetsockoptTimeval(l.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return Event{}, errors.Wrap(err, "failed to arm receive timeout")
		}

		n, _, err := unix.Recvfrom(l.fd, l.buf, 0)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return Event{}, ErrDeadline
		default:
			return Event{}, errors.Wrap(err, "failed to receive from proc connector")
		}

		if ev, ok := parseDatagram(l.buf[:n]); ok {
			return ev, nil
		}
	}
}

// Close withdraws the multicast subscription and releases the socket.
// The withdrawal is best effort; the kernel drops the subscription when
// the socket closes anyway.
func (l *Listener) Close() error {
	l.mcastOp(procCnMcastIgnore)
	return unix.Close(l.fd)
}

// mcastOp sends a PROC_CN_MCAST_* control message to the kernel.
func (l *Listener) mcastOp(op uint32) error {
	msg := make([]byte, nlmsgHdrLen+cnMsgLen+4)

	// struct nlmsghdr
	hostEndian.PutUint32(msg[0:4], uint32(len(msg)))
	hostEndian.PutUint16(msg[4:6], unix.NLMSG_DONE)
	hostEndian.PutUint32(msg[8:12], 1) // seq
	hostEndian.PutUint32(msg[12:16], uint32(os.Getpid()))

	// struct cn_msg, followed by the op word as its payload.
	cn := msg[nlmsgHdrLen:]
	hostEndian.PutUint32(cn[0:4], cnIdxProc)
	hostEndian.PutUint32(cn[4:8], cnValProc)
	hostEndian.PutUint16(cn[16:18], 4)
	hostEndian.PutUint32(cn[cnMsgLen:], op)

	return unix.Sendto(l.fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

// parseDatagram walks the netlink messages in one datagram and extracts
// the first fork or exec event, if any.
func parseDatagram(buf []byte) (Event, bool) {
	msgs, err := syscall.ParseNetlinkMessage(buf)
	if err != nil {
		return Event{}, false
	}

	for _, m := range msgs {
		if m.Header.Type != unix.NLMSG_DONE {
			continue
		}
		if ev, ok := parseProcEvent(m.Data); ok {
			return ev, true
		}
	}

	return Event{}, false
}

// parseProcEvent decodes a cn_msg carrying a proc_event. Layout per
// cn_proc.h: the cn_msg header is followed by the event header and then
// the per-kind payload.
func parseProcEvent(data []byte) (Event, bool) {
	if len(data) < cnMsgLen+eventDataOff {
		return Event{}, false
	}
	if hostEndian.Uint32(data[0:4]) != cnIdxProc || hostEndian.Uint32(data[4:8]) != cnValProc {
		return Event{}, false
	}

	event := data[cnMsgLen:]

	switch hostEndian.Uint32(event[0:4]) {
	case procEventFork:
		// parent pid and tgid, then child pid and tgid.
		if len(event) < eventDataOff+16 {
			return Event{}, false
		}
		return Event{PID: int32(hostEndian.Uint32(event[eventDataOff+12 : eventDataOff+16]))}, true

	case procEventExec:
		// process pid, then process tgid.
		if len(event) < eventDataOff+8 {
			return Event{}, false
		}
		return Event{PID: int32(hostEndian.Uint32(event[eventDataOff+4 : eventDataOff+8]))}, true
	}

	return Event{}, false
}

// hostEndian is the byte order netlink speaks: the host's own.
var hostEndian = func() binary.ByteOrder {
	var x uint16 = 1
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()
