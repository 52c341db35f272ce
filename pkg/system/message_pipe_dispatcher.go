package system

import (
	"fmt"

	"github.com/billm/baaaht/ipcore/internal/config"
	"github.com/billm/baaaht/ipcore/pkg/channel"
	"github.com/billm/baaaht/ipcore/pkg/types"
	"github.com/billm/baaaht/ipcore/pkg/waiter"
)

// MessagePipeDispatcher is the handle to one local port of a MessagePipe
type MessagePipeDispatcher struct {
	baseDispatcher
	unsupported
	pipe *MessagePipe
	port uint32
	cfg  config.MessagePipeConfig
}

// NewMessagePipeDispatcher wraps port of pipe
func NewMessagePipeDispatcher(pipe *MessagePipe, port uint32, cfg config.MessagePipeConfig) *MessagePipeDispatcher {
	return &MessagePipeDispatcher{pipe: pipe, port: port, cfg: cfg}
}

// Type implements Dispatcher
func (d *MessagePipeDispatcher) Type() DispatcherType {
	return DispatcherTypeMessagePipe
}

// WriteMessage implements Dispatcher
func (d *MessagePipeDispatcher) WriteMessage(payload []byte, transports []*DispatcherTransport, flags WriteMessageFlags) error {
	if flags != WriteMessageFlagNone {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown write flags %#x", uint32(flags)))
	}
	if d.cfg.MaxMessageBytes > 0 && len(payload) > d.cfg.MaxMessageBytes {
		return types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("message of %d bytes exceeds the limit of %d", len(payload), d.cfg.MaxMessageBytes))
	}
	if d.cfg.MaxHandles > 0 && len(transports) > d.cfg.MaxHandles {
		return types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("%d handles exceed the limit of %d", len(transports), d.cfg.MaxHandles))
	}

	if err := d.acquire(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.pipe.WriteMessage(d.port, payload, transports)
}

// ReadMessage implements Dispatcher
func (d *MessagePipeDispatcher) ReadMessage(maxBytes, maxHandles int, flags ReadMessageFlags) ([]byte, []Dispatcher, error) {
	if flags&^ReadMessageFlagMayDiscard != 0 {
		return nil, nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown read flags %#x", uint32(flags)))
	}

	if err := d.acquire(); err != nil {
		return nil, nil, err
	}
	payload, attachments, err := d.pipe.ReadMessage(d.port, maxBytes, maxHandles, flags&ReadMessageFlagMayDiscard != 0)
	d.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	dispatchers, err := attachmentsToDispatchers(attachments)
	if err != nil {
		return nil, nil, err
	}
	return payload, dispatchers, nil
}

// SignalsState implements Dispatcher
func (d *MessagePipeDispatcher) SignalsState() waiter.HandleSignalsState {
	if d.isClosed() {
		return waiter.HandleSignalsState{}
	}
	return d.pipe.State(d.port)
}

// AddAwakable implements Dispatcher
func (d *MessagePipeDispatcher) AddAwakable(a waiter.Awakable, signals waiter.HandleSignals, context uint64) (waiter.HandleSignalsState, error) {
	if err := d.acquire(); err != nil {
		return waiter.HandleSignalsState{}, err
	}
	defer d.mu.Unlock()
	return d.pipe.AddAwakable(d.port, a, signals, context)
}

// RemoveAwakable implements Dispatcher
func (d *MessagePipeDispatcher) RemoveAwakable(a waiter.Awakable) waiter.HandleSignalsState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return waiter.HandleSignalsState{}
	}
	return d.pipe.RemoveAwakable(d.port, a)
}

// Close implements Dispatcher
func (d *MessagePipeDispatcher) Close() error {
	if err := d.beginClose(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	d.pipe.Close(d.port)
	return nil
}

// StartTransport implements Dispatcher
func (d *MessagePipeDispatcher) StartTransport() (*DispatcherTransport, error) {
	return d.startTransport(d)
}

// CanTransferOverChannel implements Dispatcher. Any message pipe port can go.
func (d *MessagePipeDispatcher) CanTransferOverChannel() error {
	return nil
}

func (d *MessagePipeDispatcher) createEquivalentAndClose() Dispatcher {
	d.finishTransport()
	d.pipe.cancelAllAwakables(d.port)
	return NewMessagePipeDispatcher(d.pipe, d.port, d.cfg)
}

// SerializeForChannel implements channel.Attachment. The port becomes a
// proxy for a pipe rebuilt on the other side of ch.
func (d *MessagePipeDispatcher) SerializeForChannel(ch *channel.Channel) (channel.SerializedAttachment, error) {
	if err := d.beginClose(); err != nil {
		return channel.SerializedAttachment{}, err
	}
	defer d.mu.Unlock()

	ep, err := d.pipe.convertLocalToProxy(d.port)
	if err != nil {
		d.pipe.Close(d.port)
		return channel.SerializedAttachment{}, err
	}
	local, remote := ch.AllocateTransferPorts()
	transfersTotal.WithLabelValues(d.Type().String(), "channel").Inc()
	return channel.SerializedAttachment{
		Record: channel.HandleRecord{
			Kind:       recordKindMessagePipe,
			LocalPort:  local,
			RemotePort: remote,
		},
		Endpoint: ep,
	}, nil
}

// String returns a string representation of the dispatcher
func (d *MessagePipeDispatcher) String() string {
	return fmt.Sprintf("MessagePipeDispatcher{Port: %d, Closed: %t}", d.port, d.isClosed())
}
