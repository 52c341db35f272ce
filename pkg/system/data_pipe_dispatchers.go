package system

import (
	"fmt"

	"github.com/billm/baaaht/ipcore/pkg/channel"
	"github.com/billm/baaaht/ipcore/pkg/types"
	"github.com/billm/baaaht/ipcore/pkg/waiter"
)

// DataPipeProducerDispatcher is the handle to the producer half of a DataPipe
type DataPipeProducerDispatcher struct {
	baseDispatcher
	unsupported
	pipe *DataPipe
}

// NewDataPipeProducerDispatcher wraps the producer half of dp
func NewDataPipeProducerDispatcher(dp *DataPipe) *DataPipeProducerDispatcher {
	return &DataPipeProducerDispatcher{pipe: dp}
}

// Type implements Dispatcher
func (d *DataPipeProducerDispatcher) Type() DispatcherType {
	return DispatcherTypeDataPipeProducer
}

// WriteData implements Dispatcher
func (d *DataPipeProducerDispatcher) WriteData(data []byte, flags DataFlags) (int, error) {
	if flags&^DataFlagAllOrNone != 0 {
		return 0, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unsupported write flags %#x", uint32(flags)))
	}
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.pipe.ProducerWriteData(data, flags&DataFlagAllOrNone != 0)
}

// SignalsState implements Dispatcher
func (d *DataPipeProducerDispatcher) SignalsState() waiter.HandleSignalsState {
	if d.isClosed() {
		return waiter.HandleSignalsState{}
	}
	return d.pipe.ProducerState()
}

// AddAwakable implements Dispatcher
func (d *DataPipeProducerDispatcher) AddAwakable(a waiter.Awakable, signals waiter.HandleSignals, context uint64) (waiter.HandleSignalsState, error) {
	if err := d.acquire(); err != nil {
		return waiter.HandleSignalsState{}, err
	}
	defer d.mu.Unlock()
	return d.pipe.ProducerAddAwakable(a, signals, context)
}

// RemoveAwakable implements Dispatcher
func (d *DataPipeProducerDispatcher) RemoveAwakable(a waiter.Awakable) waiter.HandleSignalsState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return waiter.HandleSignalsState{}
	}
	return d.pipe.ProducerRemoveAwakable(a)
}

// Close implements Dispatcher
func (d *DataPipeProducerDispatcher) Close() error {
	if err := d.beginClose(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	d.pipe.ProducerClose()
	return nil
}

// StartTransport implements Dispatcher
func (d *DataPipeProducerDispatcher) StartTransport() (*DispatcherTransport, error) {
	return d.startTransport(d)
}

// CanTransferOverChannel implements Dispatcher. Only local pipes can go.
func (d *DataPipeProducerDispatcher) CanTransferOverChannel() error {
	return d.pipe.canTransferOverChannel()
}

func (d *DataPipeProducerDispatcher) createEquivalentAndClose() Dispatcher {
	d.finishTransport()
	d.pipe.cancelProducerAwakables()
	return NewDataPipeProducerDispatcher(d.pipe)
}

// SerializeForChannel implements channel.Attachment
func (d *DataPipeProducerDispatcher) SerializeForChannel(ch *channel.Channel) (channel.SerializedAttachment, error) {
	if err := d.beginClose(); err != nil {
		return channel.SerializedAttachment{}, err
	}
	defer d.mu.Unlock()

	s, err := d.pipe.serializeProducer(ch)
	if err != nil {
		d.pipe.ProducerClose()
		return s, err
	}
	transfersTotal.WithLabelValues(d.Type().String(), "channel").Inc()
	return s, nil
}

// DataPipeConsumerDispatcher is the handle to the consumer half of a DataPipe
type DataPipeConsumerDispatcher struct {
	baseDispatcher
	unsupported
	pipe *DataPipe
}

// NewDataPipeConsumerDispatcher wraps the consumer half of dp
func NewDataPipeConsumerDispatcher(dp *DataPipe) *DataPipeConsumerDispatcher {
	return &DataPipeConsumerDispatcher{pipe: dp}
}

// Type implements Dispatcher
func (d *DataPipeConsumerDispatcher) Type() DispatcherType {
	return DispatcherTypeDataPipeConsumer
}

// ReadData implements Dispatcher
func (d *DataPipeConsumerDispatcher) ReadData(buf []byte, flags DataFlags) (int, error) {
	if flags&^(DataFlagAllOrNone|DataFlagPeek) != 0 {
		return 0, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unsupported read flags %#x", uint32(flags)))
	}
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.pipe.ConsumerReadData(buf, flags&DataFlagAllOrNone != 0, flags&DataFlagPeek != 0)
}

// QueryData implements Dispatcher
func (d *DataPipeConsumerDispatcher) QueryData() (int, error) {
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.pipe.ConsumerQueryData(), nil
}

// DiscardData implements Dispatcher
func (d *DataPipeConsumerDispatcher) DiscardData(numBytes int, flags DataFlags) (int, error) {
	if flags&^DataFlagAllOrNone != 0 {
		return 0, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unsupported discard flags %#x", uint32(flags)))
	}
	if err := d.acquire(); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.pipe.ConsumerDiscardData(numBytes, flags&DataFlagAllOrNone != 0)
}

// SignalsState implements Dispatcher
func (d *DataPipeConsumerDispatcher) SignalsState() waiter.HandleSignalsState {
	if d.isClosed() {
		return waiter.HandleSignalsState{}
	}
	return d.pipe.ConsumerState()
}

// AddAwakable implements Dispatcher
func (d *DataPipeConsumerDispatcher) AddAwakable(a waiter.Awakable, signals waiter.HandleSignals, context uint64) (waiter.HandleSignalsState, error) {
	if err := d.acquire(); err != nil {
		return waiter.HandleSignalsState{}, err
	}
	defer d.mu.Unlock()
	return d.pipe.ConsumerAddAwakable(a, signals, context)
}

// RemoveAwakable implements Dispatcher
func (d *DataPipeConsumerDispatcher) RemoveAwakable(a waiter.Awakable) waiter.HandleSignalsState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return waiter.HandleSignalsState{}
	}
	return d.pipe.ConsumerRemoveAwakable(a)
}

// Close implements Dispatcher
func (d *DataPipeConsumerDispatcher) Close() error {
	if err := d.beginClose(); err != nil {
		return err
	}
	defer d.mu.Unlock()
	d.pipe.ConsumerClose()
	return nil
}

// StartTransport implements Dispatcher
func (d *DataPipeConsumerDispatcher) StartTransport() (*DispatcherTransport, error) {
	return d.startTransport(d)
}

// CanTransferOverChannel implements Dispatcher. Only local pipes can go.
func (d *DataPipeConsumerDispatcher) CanTransferOverChannel() error {
	return d.pipe.canTransferOverChannel()
}

func (d *DataPipeConsumerDispatcher) createEquivalentAndClose() Dispatcher {
	d.finishTransport()
	d.pipe.cancelConsumerAwakables()
	return NewDataPipeConsumerDispatcher(d.pipe)
}

// SerializeForChannel implements channel.Attachment
func (d *DataPipeConsumerDispatcher) SerializeForChannel(ch *channel.Channel) (channel.SerializedAttachment, error) {
	if err := d.beginClose(); err != nil {
		return channel.SerializedAttachment{}, err
	}
	defer d.mu.Unlock()

	s, err := d.pipe.serializeConsumer(ch)
	if err != nil {
		d.pipe.ConsumerClose()
		return s, err
	}
	transfersTotal.WithLabelValues(d.Type().String(), "channel").Inc()
	return s, nil
}

// dataPipeOf returns the data pipe behind a producer or consumer dispatcher
func dataPipeOf(d Dispatcher) *DataPipe {
	switch dd := d.(type) {
	case *DataPipeProducerDispatcher:
		return dd.pipe
	case *DataPipeConsumerDispatcher:
		return dd.pipe
	default:
		return nil
	}
}
