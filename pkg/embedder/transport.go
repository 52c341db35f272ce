package embedder

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/billm/baaaht/ipcore/pkg/types"
)

// Transport is an OS-level byte stream that may also carry platform handles.
// Handles passed to Write arrive with the first byte of p on the other side.
type Transport interface {
	// Write writes all of p. Ownership of handles passes to the transport.
	Write(p []byte, handles []PlatformHandle) error
	// Read reads into p and returns any handles that arrived with the bytes.
	Read(p []byte) (int, []PlatformHandle, error)
	// SupportsHandles reports whether Write can carry platform handles.
	SupportsHandles() bool
	Close() error
}

// maxHandlesPerRead bounds the control-message buffer of one read
const maxHandlesPerRead = 64

// unixTransport carries handles as SCM_RIGHTS control messages
type unixTransport struct {
	conn    *net.UnixConn
	writeMu sync.Mutex
	oob     []byte
}

// NewUnixTransport wraps a unix stream socket. The transport takes ownership of h.
func NewUnixTransport(h PlatformHandle) (Transport, error) {
	if !h.IsValid() {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "transport handle is invalid")
	}
	f := h.ToFile("ipcore-transport")
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "handle is not a socket", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, types.NewError(types.ErrCodeInvalidArgument, "handle is not a unix socket")
	}
	return &unixTransport{
		conn: uc,
		oob:  make([]byte, unix.CmsgSpace(maxHandlesPerRead*4)),
	}, nil
}

func (t *unixTransport) Write(p []byte, handles []PlatformHandle) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	defer CloseHandles(handles)

	if len(handles) > 0 {
		if len(handles) > maxHandlesPerRead {
			return types.NewError(types.ErrCodeResourceExhausted, "too many handles for one write")
		}
		if len(p) == 0 {
			return types.NewError(types.ErrCodeInvalidArgument, "handles must accompany at least one byte")
		}
		fds := make([]int, len(handles))
		for i, h := range handles {
			fds[i] = h.FD()
		}
		n, _, err := t.conn.WriteMsgUnix(p, unix.UnixRights(fds...), nil)
		if err != nil {
			return err
		}
		p = p[n:]
	}

	for len(p) > 0 {
		n, err := t.conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (t *unixTransport) Read(p []byte) (int, []PlatformHandle, error) {
	n, oobn, flags, _, err := t.conn.ReadMsgUnix(p, t.oob)
	if n < 0 {
		n = 0
	}
	if err != nil {
		return n, nil, err
	}
	var handles []PlatformHandle
	if oobn > 0 {
		handles, err = parseRights(t.oob[:oobn])
		if err != nil {
			return n, nil, err
		}
	}
	if flags&unix.MSG_CTRUNC != 0 {
		CloseHandles(handles)
		return n, nil, types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("control message truncated, more than %d handles in one read", maxHandlesPerRead))
	}
	if n == 0 && len(handles) == 0 {
		err = io.EOF
	}
	return n, handles, err
}

func (t *unixTransport) SupportsHandles() bool {
	return true
}

func (t *unixTransport) Close() error {
	return t.conn.Close()
}

func parseRights(oob []byte) ([]PlatformHandle, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to parse control message", err)
	}
	var handles []PlatformHandle
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			handles = append(handles, NewPlatformHandle(fd))
		}
	}
	return handles, nil
}

// streamTransport is a plain byte stream without handle passing
type streamTransport struct {
	rwc     io.ReadWriteCloser
	writeMu sync.Mutex
}

// NewStreamTransport wraps any byte stream, for example one end of net.Pipe.
// Handles written to it are closed and never delivered.
func NewStreamTransport(rwc io.ReadWriteCloser) Transport {
	return &streamTransport{rwc: rwc}
}

func (t *streamTransport) Write(p []byte, handles []PlatformHandle) error {
	CloseHandles(handles)
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for len(p) > 0 {
		n, err := t.rwc.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (t *streamTransport) Read(p []byte) (int, []PlatformHandle, error) {
	n, err := t.rwc.Read(p)
	return n, nil, err
}

func (t *streamTransport) SupportsHandles() bool {
	return false
}

func (t *streamTransport) Close() error {
	return t.rwc.Close()
}

// IsClosedError reports whether err means the transport is gone
func IsClosedError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET)
}
