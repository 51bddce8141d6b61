package procevent

import (
	"testing"

	"golang.org/x/sys/unix"
)

// frame builds one netlink message carrying a cn_msg proc_event with the
// given event kind and payload words.
func frame(nlType uint16, idx, val, what uint32, tail ...uint32) []byte {
	payload := make([]byte, eventDataOff+4*len(tail))
	hostEndian.PutUint32(payload[0:4], what)
	for i, v := range tail {
		hostEndian.PutUint32(payload[eventDataOff+4*i:], v)
	}

	data := make([]byte, cnMsgLen+len(payload))
	hostEndian.PutUint32(data[0:4], idx)
	hostEndian.PutUint32(data[4:8], val)
	hostEndian.PutUint16(data[16:18], uint16(len(payload)))
	copy(data[cnMsgLen:], payload)

	msg := make([]byte, nlmsgHdrLen+len(data))
	hostEndian.PutUint32(msg[0:4], uint32(len(msg)))
	hostEndian.PutUint16(msg[4:6], nlType)
	copy(msg[nlmsgHdrLen:], data)

	return msg
}

func TestParseDatagram(t *testing.T) {
	t.Run("fork", func(t *testing.T) {
		// parent pid/tgid, child pid/tgid.
		buf := frame(unix.NLMSG_DONE, cnIdxProc, cnValProc, procEventFork, 100, 100, 4242, 4243)

		ev, ok := parseDatagram(buf)
		if !ok {
			t.Fatal("expected a fork event")
		}
		if ev.PID != 4243 {
			t.Errorf("expected the child tgid 4243, got %d", ev.PID)
		}
	})

	t.Run("exec", func(t *testing.T) {
		// process pid, process tgid.
		buf := frame(unix.NLMSG_DONE, cnIdxProc, cnValProc, procEventExec, 555, 556)

		ev, ok := parseDatagram(buf)
		if !ok {
			t.Fatal("expected an exec event")
		}
		if ev.PID != 556 {
			t.Errorf("expected the process tgid 556, got %d", ev.PID)
		}
	})

	t.Run("ignored kinds", func(t *testing.T) {
		kinds := map[string]uint32{
			"none ack":    0x00000000,
			"uid change":  0x00000004,
			"comm change": 0x00000200,
			"exit":        0x80000000,
		}

		for name, what := range kinds {
			buf := frame(unix.NLMSG_DONE, cnIdxProc, cnValProc, what, 1, 2, 3, 4)
			if _, ok := parseDatagram(buf); ok {
				t.Errorf("%s: expected event to be skipped", name)
			}
		}
	})

	t.Run("foreign connector id", func(t *testing.T) {
		buf := frame(unix.NLMSG_DONE, 0x4, 0x1, procEventFork, 100, 100, 4242, 4243)
		if _, ok := parseDatagram(buf); ok {
			t.Error("expected messages from other connectors to be skipped")
		}
	})

	t.Run("non-done message", func(t *testing.T) {
		buf := frame(unix.NLMSG_NOOP, cnIdxProc, cnValProc, procEventFork, 100, 100, 4242, 4243)
		if _, ok := parseDatagram(buf); ok {
			t.Error("expected non-NLMSG_DONE messages to be skipped")
		}
	})

	t.Run("runt fork payload", func(t *testing.T) {
		// A fork event with the child fields missing.
		buf := frame(unix.NLMSG_DONE, cnIdxProc, cnValProc, procEventFork, 100, 100)
		if _, ok := parseDatagram(buf); ok {
			t.Error("expected a truncated fork event to be skipped")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, ok := parseDatagram([]byte{0x1, 0x2, 0x3}); ok {
			t.Error("expected garbage to be skipped")
		}
	})

	t.Run("event after noise", func(t *testing.T) {
		var buf []byte
		buf = append(buf, frame(unix.NLMSG_DONE, cnIdxProc, cnValProc, 0x00000000)...)
		buf = append(buf, frame(unix.NLMSG_DONE, cnIdxProc, cnValProc, procEventExec, 555, 556)...)

		ev, ok := parseDatagram(buf)
		if !ok {
			t.Fatal("expected the exec event behind the ack")
		}
		if ev.PID != 556 {
			t.Errorf("expected pid 556, got %d", ev.PID)
		}
	})
}
