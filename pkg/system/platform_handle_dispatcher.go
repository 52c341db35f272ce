package system

import (
	"github.com/billm/baaaht/ipcore/pkg/channel"
	"github.com/billm/baaaht/ipcore/pkg/embedder"
	"github.com/billm/baaaht/ipcore/pkg/types"
	"github.com/billm/baaaht/ipcore/pkg/waiter"
)

// PlatformHandleDispatcher wraps an OS handle so it can travel on message
// pipes. It has no signals.
type PlatformHandleDispatcher struct {
	baseDispatcher
	unsupported
	handle embedder.PlatformHandle
}

// NewPlatformHandleDispatcher takes ownership of h
func NewPlatformHandleDispatcher(h embedder.PlatformHandle) *PlatformHandleDispatcher {
	return &PlatformHandleDispatcher{handle: h}
}

// Type implements Dispatcher
func (d *PlatformHandleDispatcher) Type() DispatcherType {
	return DispatcherTypePlatformHandle
}

// PassPlatformHandle closes the dispatcher and hands its handle to the caller
func (d *PlatformHandleDispatcher) PassPlatformHandle() (embedder.PlatformHandle, error) {
	if err := d.beginClose(); err != nil {
		return embedder.PlatformHandle{}, err
	}
	defer d.mu.Unlock()
	h := d.handle
	d.handle = embedder.PlatformHandle{}
	return h, nil
}

// SignalsState implements Dispatcher
func (d *PlatformHandleDispatcher) SignalsState() waiter.HandleSignalsState {
	return waiter.HandleSignalsState{}
}

// AddAwakable implements Dispatcher. Nothing can ever be satisfied.
func (d *PlatformHandleDispatcher) AddAwakable(waiter.Awakable, waiter.HandleSignals, uint64) (waiter.HandleSignalsState, error) {
	if err := d.acquire(); err != nil {
		return waiter.HandleSignalsState{}, err
	}
	d.mu.Unlock()
	return waiter.HandleSignalsState{}, types.NewError(types.ErrCodeFailedPrecondition, "platform handles have no signals")
}

// RemoveAwakable implements Dispatcher
func (d *PlatformHandleDispatcher) RemoveAwakable(waiter.Awakable) waiter.HandleSignalsState {
	return waiter.HandleSignalsState{}
}

// Close implements Dispatcher
func (d *PlatformHandleDispatcher) Close() error {
	if err := d.beginClose(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.handle.Close()
}

// StartTransport implements Dispatcher
func (d *PlatformHandleDispatcher) StartTransport() (*DispatcherTransport, error) {
	return d.startTransport(d)
}

// CanTransferOverChannel implements Dispatcher
func (d *PlatformHandleDispatcher) CanTransferOverChannel() error {
	return nil
}

func (d *PlatformHandleDispatcher) createEquivalentAndClose() Dispatcher {
	d.finishTransport()
	d.mu.Lock()
	h := d.handle
	d.handle = embedder.PlatformHandle{}
	d.mu.Unlock()
	return NewPlatformHandleDispatcher(h)
}

// SerializeForChannel implements channel.Attachment. The handle rides out
// of band with the frame; over a transport that cannot carry handles it
// is closed and the receiver gets an invalid handle.
func (d *PlatformHandleDispatcher) SerializeForChannel(*channel.Channel) (channel.SerializedAttachment, error) {
	if err := d.beginClose(); err != nil {
		return channel.SerializedAttachment{}, err
	}
	defer d.mu.Unlock()

	s := channel.SerializedAttachment{
		Record: channel.HandleRecord{Kind: recordKindPlatformHandle},
	}
	if d.handle.IsValid() {
		s.Handles = []embedder.PlatformHandle{d.handle}
	}
	d.handle = embedder.PlatformHandle{}
	transfersTotal.WithLabelValues(d.Type().String(), "channel").Inc()
	return s, nil
}
