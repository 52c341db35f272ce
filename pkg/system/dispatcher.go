package system

import (
	"fmt"
	"sync"

	"github.com/billm/baaaht/ipcore/pkg/channel"
	"github.com/billm/baaaht/ipcore/pkg/types"
	"github.com/billm/baaaht/ipcore/pkg/waiter"
)

// DispatcherType identifies the kind of object behind a handle
type DispatcherType int

const (
	DispatcherTypeUnknown DispatcherType = iota
	DispatcherTypeMessagePipe
	DispatcherTypeDataPipeProducer
	DispatcherTypeDataPipeConsumer
	DispatcherTypePlatformHandle
)

// String returns the dispatcher type name
func (t DispatcherType) String() string {
	switch t {
	case DispatcherTypeMessagePipe:
		return "message_pipe"
	case DispatcherTypeDataPipeProducer:
		return "data_pipe_producer"
	case DispatcherTypeDataPipeConsumer:
		return "data_pipe_consumer"
	case DispatcherTypePlatformHandle:
		return "platform_handle"
	default:
		return "unknown"
	}
}

// WriteMessageFlags modify WriteMessage
type WriteMessageFlags uint32

const WriteMessageFlagNone WriteMessageFlags = 0

// ReadMessageFlags modify ReadMessage
type ReadMessageFlags uint32

const (
	ReadMessageFlagNone ReadMessageFlags = 0
	// ReadMessageFlagMayDiscard drops a message that does not fit the
	// caller's limits instead of leaving it queued
	ReadMessageFlagMayDiscard ReadMessageFlags = 1 << 0
)

// DataFlags modify data pipe reads and writes
type DataFlags uint32

const (
	DataFlagNone DataFlags = 0
	// DataFlagAllOrNone transfers exactly the requested amount or nothing
	DataFlagAllOrNone DataFlags = 1 << 0
	// DataFlagPeek leaves read bytes in the pipe. Reads only.
	DataFlagPeek DataFlags = 1 << 1
)

// NoLimit disables the size limits of ReadMessage
const NoLimit = -1

// Dispatcher is the object behind a handle. Every operation is defined for
// every dispatcher; the ones a type does not support fail with
// ErrCodeInvalidArgument. Dispatchers are transferable: they are the
// attachments carried by message pipe writes.
type Dispatcher interface {
	channel.Attachment

	Type() DispatcherType

	WriteMessage(payload []byte, transports []*DispatcherTransport, flags WriteMessageFlags) error
	// ReadMessage returns the payload and attached dispatchers of the next
	// message. Negative limits mean no limit.
	ReadMessage(maxBytes, maxHandles int, flags ReadMessageFlags) ([]byte, []Dispatcher, error)

	WriteData(data []byte, flags DataFlags) (int, error)
	ReadData(buf []byte, flags DataFlags) (int, error)
	QueryData() (int, error)
	DiscardData(numBytes int, flags DataFlags) (int, error)

	SignalsState() waiter.HandleSignalsState
	// AddAwakable registers a for signals. When it fails the current state
	// is returned with the error: ErrCodeAlreadyExists if signals are
	// already satisfied, ErrCodeFailedPrecondition if they never will be.
	AddAwakable(a waiter.Awakable, signals waiter.HandleSignals, context uint64) (waiter.HandleSignalsState, error)
	// RemoveAwakable unregisters a and returns the signal state observed at
	// the moment of removal.
	RemoveAwakable(a waiter.Awakable) waiter.HandleSignalsState

	// StartTransport takes the transport token. While it is held every
	// other operation on the dispatcher fails with ErrCodeBusy.
	StartTransport() (*DispatcherTransport, error)
	// CanTransferOverChannel reports whether SerializeForChannel would
	// succeed right now.
	CanTransferOverChannel() error

	endTransport()
	createEquivalentAndClose() Dispatcher
}

// DispatcherTransport is the token for a dispatcher being attached to a
// message. It ends either with CreateEquivalentDispatcherAndClose, after
// which the original dispatcher is closed for good, or with End, which
// gives the dispatcher back to its handle.
type DispatcherTransport struct {
	dispatcher Dispatcher
	done       bool
}

// Dispatcher returns the dispatcher being transported
func (t *DispatcherTransport) Dispatcher() Dispatcher {
	return t.dispatcher
}

// Type returns the type of the dispatcher being transported
func (t *DispatcherTransport) Type() DispatcherType {
	return t.dispatcher.Type()
}

// End releases the token without transferring. No-op once the transport
// has completed.
func (t *DispatcherTransport) End() {
	if t.done {
		return
	}
	t.done = true
	t.dispatcher.endTransport()
}

// CreateEquivalentDispatcherAndClose hands the underlying object to a new
// dispatcher and closes the original
func (t *DispatcherTransport) CreateEquivalentDispatcherAndClose() Dispatcher {
	if t.done {
		panic("system: dispatcher transport already completed")
	}
	t.done = true
	d := t.dispatcher.createEquivalentAndClose()
	transfersTotal.WithLabelValues(d.Type().String(), "local").Inc()
	return d
}

var (
	errHandleClosed = types.NewError(types.ErrCodeInvalidArgument, "handle is closed")
	errHandleBusy   = types.NewError(types.ErrCodeBusy, "handle is being transferred")
)

// baseDispatcher carries the state every dispatcher shares: its lock, and
// whether it is closed or held by a transport token
type baseDispatcher struct {
	mu          sync.Mutex
	closed      bool
	inTransport bool
}

// acquire locks the dispatcher if it can be used. On error the lock is not held.
func (b *baseDispatcher) acquire() error {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return errHandleClosed
	case b.inTransport:
		b.mu.Unlock()
		return errHandleBusy
	}
	return nil
}

// beginClose marks the dispatcher closed, either by its handle or because
// a channel consumed it. It fails if the dispatcher is already closed or is
// being transported.
func (b *baseDispatcher) beginClose() error {
	if err := b.acquire(); err != nil {
		return err
	}
	b.closed = true
	return nil
}

func (b *baseDispatcher) startTransport(d Dispatcher) (*DispatcherTransport, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()
	b.inTransport = true
	return &DispatcherTransport{dispatcher: d}, nil
}

func (b *baseDispatcher) endTransport() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inTransport = false
}

// finishTransport closes a dispatcher whose transport completed. The
// caller hands the underlying object to a new dispatcher.
func (b *baseDispatcher) finishTransport() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inTransport {
		panic("system: dispatcher is not being transported")
	}
	b.inTransport = false
	b.closed = true
}

func (b *baseDispatcher) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// unsupported provides the default for operations a dispatcher type does
// not implement
type unsupported struct{}

func (unsupported) WriteMessage([]byte, []*DispatcherTransport, WriteMessageFlags) error {
	return types.NewError(types.ErrCodeInvalidArgument, "handle does not support messages")
}

func (unsupported) ReadMessage(int, int, ReadMessageFlags) ([]byte, []Dispatcher, error) {
	return nil, nil, types.NewError(types.ErrCodeInvalidArgument, "handle does not support messages")
}

func (unsupported) WriteData([]byte, DataFlags) (int, error) {
	return 0, types.NewError(types.ErrCodeInvalidArgument, "handle is not a data pipe producer")
}

func (unsupported) ReadData([]byte, DataFlags) (int, error) {
	return 0, types.NewError(types.ErrCodeInvalidArgument, "handle is not a data pipe consumer")
}

func (unsupported) QueryData() (int, error) {
	return 0, types.NewError(types.ErrCodeInvalidArgument, "handle is not a data pipe consumer")
}

func (unsupported) DiscardData(int, DataFlags) (int, error) {
	return 0, types.NewError(types.ErrCodeInvalidArgument, "handle is not a data pipe consumer")
}

// attachmentsToDispatchers converts the attachments of a read message.
// Anything that is not a dispatcher is closed.
func attachmentsToDispatchers(attachments []channel.Attachment) ([]Dispatcher, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	out := make([]Dispatcher, 0, len(attachments))
	var bad int
	for _, a := range attachments {
		d, ok := a.(Dispatcher)
		if !ok {
			a.Close()
			bad++
			continue
		}
		out = append(out, d)
	}
	if bad > 0 {
		for _, d := range out {
			d.Close()
		}
		return nil, types.NewError(types.ErrCodeInternal, fmt.Sprintf("%d attachments are not dispatchers", bad))
	}
	return out, nil
}
