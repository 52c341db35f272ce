package system

import (
	"fmt"
	"sync"

	"github.com/billm/baaaht/ipcore/internal/config"
	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/channel"
	"github.com/billm/baaaht/ipcore/pkg/types"
	"github.com/billm/baaaht/ipcore/pkg/waiter"
)

// maxChunkBytes bounds the payload of one chunk message
const maxChunkBytes = 64 * 1024

// DataPipeOptions configure a data pipe. Zero fields take the configured
// defaults.
type DataPipeOptions struct {
	ElementSize int `json:"element_size"`
	Capacity    int `json:"capacity"`
}

// dataPipeVariant says where the two halves of a data pipe live
type dataPipeVariant int

const (
	// variantLocal pipes have both halves in this process sharing the buffer
	variantLocal dataPipeVariant = iota
	// variantRemoteProducer pipes have the producer here and the consumer
	// behind a channel
	variantRemoteProducer
	// variantRemoteConsumer pipes have the consumer here and the producer
	// behind a channel
	variantRemoteConsumer
)

func (v dataPipeVariant) String() string {
	switch v {
	case variantLocal:
		return "local"
	case variantRemoteProducer:
		return "remote_producer"
	case variantRemoteConsumer:
		return "remote_consumer"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// DataPipe is a bounded byte stream of fixed-size elements with
// independently closable producer and consumer halves.
//
// Local pipes keep one circular buffer shared by both halves. A
// RemoteConsumer pipe keeps the buffer on the consumer side, sends a
// receipt for every chunk it buffers and an ack for what it reads. A
// RemoteProducer pipe keeps no buffer, only two counts: bytes not yet read
// on the far side, bounded by the capacity, and bytes not yet received
// there, bounded by the window.
type DataPipe struct {
	mu          sync.Mutex
	logger      *logger.Logger
	cfg         config.DataPipeConfig
	elementSize int
	capacity    int
	variant     dataPipeVariant

	producerOpen      bool
	consumerOpen      bool
	producerAwakables waiter.AwakableList
	consumerAwakables waiter.AwakableList

	buffer []byte
	start  int
	size   int

	window    int
	unread    int
	inTransit int

	endpoint *channel.ChannelEndpoint
}

// validateDataPipeOptions fills in defaults and checks alignment and limits
func validateDataPipeOptions(opts DataPipeOptions, cfg config.DataPipeConfig) (DataPipeOptions, error) {
	if opts.ElementSize < 0 || opts.Capacity < 0 {
		return opts, types.NewError(types.ErrCodeInvalidArgument, "data pipe options cannot be negative")
	}
	if opts.ElementSize == 0 {
		opts.ElementSize = cfg.DefaultElementSize
		if opts.ElementSize <= 0 {
			opts.ElementSize = 1
		}
	}
	if opts.Capacity == 0 {
		opts.Capacity = cfg.DefaultCapacity - cfg.DefaultCapacity%opts.ElementSize
		if opts.Capacity < opts.ElementSize {
			opts.Capacity = opts.ElementSize
		}
	}
	if opts.Capacity%opts.ElementSize != 0 {
		return opts, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("capacity %d is not a multiple of element size %d", opts.Capacity, opts.ElementSize))
	}
	if cfg.MaxCapacity > 0 && opts.Capacity > cfg.MaxCapacity {
		return opts, types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("capacity %d exceeds the limit of %d bytes", opts.Capacity, cfg.MaxCapacity))
	}
	return opts, nil
}

// NewDataPipe creates a local data pipe with both halves open
func NewDataPipe(opts DataPipeOptions, cfg config.DataPipeConfig, log *logger.Logger) (*DataPipe, error) {
	opts, err := validateDataPipeOptions(opts, cfg)
	if err != nil {
		return nil, err
	}
	return newDataPipe(opts, cfg, variantLocal, log), nil
}

func newDataPipe(opts DataPipeOptions, cfg config.DataPipeConfig, variant dataPipeVariant, log *logger.Logger) *DataPipe {
	if log == nil {
		log = logger.NewNop()
	}
	dp := &DataPipe{
		logger:       log.With("component", "data_pipe"),
		cfg:          cfg,
		elementSize:  opts.ElementSize,
		capacity:     opts.Capacity,
		variant:      variant,
		producerOpen: true,
		consumerOpen: true,
	}
	dp.window = dp.flowControlWindow()
	return dp
}

// flowControlWindow is the most a producer may have on the wire before the
// consumer confirms receipt: the capacity, or the configured window rounded
// down to whole elements if smaller
func (dp *DataPipe) flowControlWindow() int {
	w := dp.capacity
	if dp.cfg.FlowControlWindow > 0 && dp.cfg.FlowControlWindow < w {
		w = dp.cfg.FlowControlWindow - dp.cfg.FlowControlWindow%dp.elementSize
		if w < dp.elementSize {
			w = dp.elementSize
		}
	}
	return w
}

// Options returns the element size and capacity
func (dp *DataPipe) Options() DataPipeOptions {
	return DataPipeOptions{ElementSize: dp.elementSize, Capacity: dp.capacity}
}

func (dp *DataPipe) checkAligned(n int) error {
	if n < 0 || n%dp.elementSize != 0 {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("byte count %d is not a multiple of the element size %d", n, dp.elementSize))
	}
	return nil
}

// ProducerWriteData writes as much of data as fits, or with allOrNone all
// of it or nothing
func (dp *DataPipe) ProducerWriteData(data []byte, allOrNone bool) (int, error) {
	if err := dp.checkAligned(len(data)); err != nil {
		return 0, err
	}

	dp.mu.Lock()
	if dp.variant == variantRemoteConsumer || !dp.producerOpen {
		dp.mu.Unlock()
		return 0, types.NewError(types.ErrCodeInvalidArgument, "data pipe producer is not available here")
	}
	if !dp.consumerOpen {
		dp.mu.Unlock()
		return 0, types.NewError(types.ErrCodeFailedPrecondition, "data pipe consumer is closed")
	}
	if len(data) == 0 {
		dp.mu.Unlock()
		return 0, nil
	}

	free := dp.producerFreeLocked()
	n := min(len(data), free)
	if allOrNone {
		if !dp.producerFitsLocked(len(data)) {
			dp.mu.Unlock()
			return 0, types.NewError(types.ErrCodeOutOfRange, "not enough space for an all-or-none write")
		}
		n = len(data)
	} else if free == 0 {
		dp.mu.Unlock()
		return 0, types.ErrShouldWait
	}

	var chunks []*channel.MessageInTransit
	var ep *channel.ChannelEndpoint
	switch dp.variant {
	case variantLocal:
		dp.writeRingLocked(data[:n])
		dp.consumerAwakables.AwakeForStateChange(dp.consumerStateLocked())
	case variantRemoteProducer:
		dp.unread += n
		dp.inTransit += n
		chunks = dp.chunkMessages(data[:n])
		ep = dp.endpoint
	}
	dp.mu.Unlock()

	for _, msg := range chunks {
		if ep == nil || !ep.EnqueueMessage(msg) {
			dp.logger.Debug("Data chunk not sent, consumer endpoint gone", "bytes", len(msg.Payload))
			break
		}
		dataPipeChunks.WithLabelValues(dataPipeMessageChunk.String(), "out").Inc()
	}
	dataPipeBytes.WithLabelValues("write").Add(float64(n))
	return n, nil
}

// ConsumerReadData copies up to len(buf) bytes into buf. With peek the
// bytes stay in the pipe.
func (dp *DataPipe) ConsumerReadData(buf []byte, allOrNone, peek bool) (int, error) {
	return dp.consume(buf, len(buf), allOrNone, peek)
}

// ConsumerDiscardData drops up to numBytes bytes
func (dp *DataPipe) ConsumerDiscardData(numBytes int, allOrNone bool) (int, error) {
	return dp.consume(nil, numBytes, allOrNone, false)
}

func (dp *DataPipe) consume(buf []byte, numBytes int, allOrNone, peek bool) (int, error) {
	if err := dp.checkAligned(numBytes); err != nil {
		return 0, err
	}

	dp.mu.Lock()
	if dp.variant == variantRemoteProducer || !dp.consumerOpen {
		dp.mu.Unlock()
		return 0, types.NewError(types.ErrCodeInvalidArgument, "data pipe consumer is not available here")
	}
	if numBytes == 0 {
		dp.mu.Unlock()
		return 0, nil
	}
	if allOrNone && numBytes > dp.size {
		producerOpen := dp.producerOpen
		dp.mu.Unlock()
		if producerOpen {
			return 0, types.NewError(types.ErrCodeOutOfRange, "not enough data for an all-or-none read")
		}
		return 0, types.NewError(types.ErrCodeFailedPrecondition, "data pipe producer is closed")
	}
	if dp.size == 0 {
		producerOpen := dp.producerOpen
		dp.mu.Unlock()
		if producerOpen {
			return 0, types.ErrShouldWait
		}
		return 0, types.NewError(types.ErrCodeFailedPrecondition, "data pipe producer is closed")
	}

	n := min(numBytes, dp.size)
	if buf != nil {
		dp.peekRingLocked(buf[:n])
	}
	if peek {
		dp.mu.Unlock()
		return n, nil
	}

	dp.consumeRingLocked(n)
	var ep *channel.ChannelEndpoint
	switch dp.variant {
	case variantLocal:
		dp.producerAwakables.AwakeForStateChange(dp.producerStateLocked())
	case variantRemoteConsumer:
		ep = dp.endpoint
	}
	dp.consumerAwakables.AwakeForStateChange(dp.consumerStateLocked())
	dp.mu.Unlock()

	if ep != nil && ep.EnqueueMessage(channel.NewMessage(channel.KindEndpointClient, channel.PortInvalid, encodeAck(n), nil)) {
		dataPipeChunks.WithLabelValues(dataPipeMessageAck.String(), "out").Inc()
	}
	if buf != nil {
		dataPipeBytes.WithLabelValues("read").Add(float64(n))
	} else {
		dataPipeBytes.WithLabelValues("discard").Add(float64(n))
	}
	return n, nil
}

// ConsumerQueryData returns the number of buffered bytes
func (dp *DataPipe) ConsumerQueryData() int {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.size
}

// ProducerClose closes the producer half. Buffered data stays readable.
// Closing twice is a no-op.
func (dp *DataPipe) ProducerClose() {
	dp.mu.Lock()
	if dp.variant == variantRemoteConsumer || !dp.producerOpen {
		dp.mu.Unlock()
		return
	}
	dp.producerOpen = false
	dp.producerAwakables.CancelAll()

	var ep *channel.ChannelEndpoint
	switch dp.variant {
	case variantLocal:
		dp.consumerAwakables.AwakeForStateChange(dp.consumerStateLocked())
	case variantRemoteProducer:
		ep = dp.endpoint
		dp.endpoint = nil
	}
	dp.mu.Unlock()

	if ep != nil {
		ep.DetachFromClient()
	}
}

// ConsumerClose closes the consumer half and drops any buffered data.
// Closing twice is a no-op.
func (dp *DataPipe) ConsumerClose() {
	dp.mu.Lock()
	if dp.variant == variantRemoteProducer || !dp.consumerOpen {
		dp.mu.Unlock()
		return
	}
	dp.consumerOpen = false
	dp.consumerAwakables.CancelAll()
	dp.buffer = nil
	dp.start, dp.size = 0, 0

	var ep *channel.ChannelEndpoint
	switch dp.variant {
	case variantLocal:
		dp.producerAwakables.AwakeForStateChange(dp.producerStateLocked())
	case variantRemoteConsumer:
		ep = dp.endpoint
		dp.endpoint = nil
	}
	dp.mu.Unlock()

	if ep != nil {
		ep.DetachFromClient()
	}
}

// ProducerState returns the producer's signal state
func (dp *DataPipe) ProducerState() waiter.HandleSignalsState {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.producerStateLocked()
}

// ConsumerState returns the consumer's signal state
func (dp *DataPipe) ConsumerState() waiter.HandleSignalsState {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.consumerStateLocked()
}

func (dp *DataPipe) producerStateLocked() waiter.HandleSignalsState {
	var s waiter.HandleSignalsState
	if dp.consumerOpen {
		if dp.producerFreeLocked() > 0 {
			s.Satisfied |= waiter.SignalWritable
		}
		s.Satisfiable |= waiter.SignalWritable
	} else {
		s.Satisfied |= waiter.SignalPeerClosed
	}
	s.Satisfiable |= waiter.SignalPeerClosed
	return s
}

func (dp *DataPipe) consumerStateLocked() waiter.HandleSignalsState {
	var s waiter.HandleSignalsState
	if dp.size > 0 {
		s.Satisfied |= waiter.SignalReadable
	}
	if dp.size > 0 || dp.producerOpen {
		s.Satisfiable |= waiter.SignalReadable
	}
	// A closed producer is reported once the consumer has drained the buffer
	if !dp.producerOpen && dp.size == 0 {
		s.Satisfied |= waiter.SignalPeerClosed
	}
	s.Satisfiable |= waiter.SignalPeerClosed
	return s
}

func (dp *DataPipe) producerFreeLocked() int {
	switch dp.variant {
	case variantLocal:
		return dp.capacity - dp.size
	case variantRemoteProducer:
		return max(0, min(dp.capacity-dp.unread, dp.window-dp.inTransit))
	default:
		return 0
	}
}

// producerFitsLocked reports whether an all-or-none write of n bytes can go
// ahead now. A remote producer with nothing on the wire may send one burst
// larger than its window, so any n up to the capacity is eventually
// accepted.
func (dp *DataPipe) producerFitsLocked(n int) bool {
	if n <= dp.producerFreeLocked() {
		return true
	}
	return dp.variant == variantRemoteProducer && dp.inTransit == 0 && n <= dp.capacity-dp.unread
}

// ProducerAddAwakable registers a on the producer half
func (dp *DataPipe) ProducerAddAwakable(a waiter.Awakable, signals waiter.HandleSignals, context uint64) (waiter.HandleSignalsState, error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	state := dp.producerStateLocked()
	return state, dp.producerAwakables.AddChecked(state, a, signals, context)
}

// ProducerRemoveAwakable unregisters a from the producer half
func (dp *DataPipe) ProducerRemoveAwakable(a waiter.Awakable) waiter.HandleSignalsState {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.producerAwakables.Remove(a)
	return dp.producerStateLocked()
}

// ConsumerAddAwakable registers a on the consumer half
func (dp *DataPipe) ConsumerAddAwakable(a waiter.Awakable, signals waiter.HandleSignals, context uint64) (waiter.HandleSignalsState, error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	state := dp.consumerStateLocked()
	return state, dp.consumerAwakables.AddChecked(state, a, signals, context)
}

// ConsumerRemoveAwakable unregisters a from the consumer half
func (dp *DataPipe) ConsumerRemoveAwakable(a waiter.Awakable) waiter.HandleSignalsState {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.consumerAwakables.Remove(a)
	return dp.consumerStateLocked()
}

func (dp *DataPipe) cancelProducerAwakables() {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.producerAwakables.CancelAll()
}

func (dp *DataPipe) cancelConsumerAwakables() {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.consumerAwakables.CancelAll()
}

func (dp *DataPipe) canTransferOverChannel() error {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.variant != variantLocal {
		return types.NewError(types.ErrCodeUnimplemented,
			fmt.Sprintf("a %s data pipe cannot be sent over a channel", dp.variant))
	}
	return nil
}

// serializeConsumer turns a local pipe whose consumer is leaving over ch
// into a RemoteProducer pipe. Buffered bytes go ahead as chunks and count
// against the window until the new consumer acks them.
func (dp *DataPipe) serializeConsumer(ch *channel.Channel) (channel.SerializedAttachment, error) {
	dp.mu.Lock()
	if dp.variant != variantLocal {
		dp.mu.Unlock()
		return channel.SerializedAttachment{}, types.NewError(types.ErrCodeUnimplemented,
			fmt.Sprintf("a %s data pipe cannot be sent over a channel", dp.variant))
	}

	local, remote := ch.AllocateTransferPorts()
	record := dp.recordLocked(recordKindDataPipeConsumer, local, remote)
	if !dp.producerOpen {
		record.Flags |= recordFlagPeerClosed
	}

	prequeue := channel.NewMessageQueue()
	if dp.size > 0 {
		pending := make([]byte, dp.size)
		dp.peekRingLocked(pending)
		for _, msg := range dp.chunkMessages(pending) {
			prequeue.Append(msg)
		}
	}
	ep := channel.NewChannelEndpoint(dp, 0, prequeue)

	dp.consumerAwakables.CancelAll()
	dp.variant = variantRemoteProducer
	dp.unread = dp.size
	dp.inTransit = dp.size
	dp.buffer = nil
	dp.start, dp.size = 0, 0
	producerOpen := dp.producerOpen
	if producerOpen {
		dp.endpoint = ep
	}
	dp.mu.Unlock()

	if !producerOpen {
		ep.DetachFromClient()
	}
	dp.logger.Debug("Data pipe consumer sent over channel",
		"local_port", local, "remote_port", remote, "in_flight", record.InFlight)
	return channel.SerializedAttachment{Record: record, Endpoint: ep}, nil
}

// serializeProducer turns a local pipe whose producer is leaving over ch
// into a RemoteConsumer pipe. The new producer starts with the bytes
// still buffered here counted against its window.
func (dp *DataPipe) serializeProducer(ch *channel.Channel) (channel.SerializedAttachment, error) {
	dp.mu.Lock()
	if dp.variant != variantLocal {
		dp.mu.Unlock()
		return channel.SerializedAttachment{}, types.NewError(types.ErrCodeUnimplemented,
			fmt.Sprintf("a %s data pipe cannot be sent over a channel", dp.variant))
	}

	local, remote := ch.AllocateTransferPorts()
	record := dp.recordLocked(recordKindDataPipeProducer, local, remote)
	if !dp.consumerOpen {
		record.Flags |= recordFlagPeerClosed
	}
	ep := channel.NewChannelEndpoint(dp, 0, nil)

	dp.producerAwakables.CancelAll()
	dp.variant = variantRemoteConsumer
	consumerOpen := dp.consumerOpen
	if consumerOpen {
		dp.endpoint = ep
	}
	dp.mu.Unlock()

	if !consumerOpen {
		ep.DetachFromClient()
	}
	dp.logger.Debug("Data pipe producer sent over channel",
		"local_port", local, "remote_port", remote, "in_flight", record.InFlight)
	return channel.SerializedAttachment{Record: record, Endpoint: ep}, nil
}

func (dp *DataPipe) recordLocked(kind uint32, local, remote channel.Port) channel.HandleRecord {
	return channel.HandleRecord{
		Kind:        kind,
		ElementSize: uint32(dp.elementSize),
		Capacity:    uint32(dp.capacity),
		LocalPort:   local,
		RemotePort:  remote,
		InFlight:    uint32(dp.size),
	}
}

// attachRemote binds a pipe rebuilt from a handle record to ch
func (dp *DataPipe) attachRemote(ch *channel.Channel, record channel.HandleRecord) {
	ep := channel.NewChannelEndpoint(dp, 0, nil)
	dp.mu.Lock()
	dp.endpoint = ep
	dp.mu.Unlock()
	ch.AttachEndpoint(ep, record.RemotePort, record.LocalPort)
}

// OnReadMessage implements channel.ChannelEndpointClient
func (dp *DataPipe) OnReadMessage(_ uint32, msg *channel.MessageInTransit) bool {
	m, err := decodeDataPipeMessage(msg.Payload)
	if err != nil || msg.NumAttachments() > 0 {
		dp.logger.Warn("Dropping malformed data pipe message", "error", err, "attachments", msg.NumAttachments())
		msg.Discard()
		return true
	}
	dataPipeChunks.WithLabelValues(m.typ.String(), "in").Inc()

	dp.mu.Lock()
	var receipt int
	var ep *channel.ChannelEndpoint

	switch {
	case m.typ == dataPipeMessageChunk && dp.variant == variantRemoteConsumer:
		if !dp.consumerOpen {
			dp.mu.Unlock()
			return false
		}
		if len(m.data)%dp.elementSize != 0 || len(m.data) > dp.capacity-dp.size {
			dp.mu.Unlock()
			dp.logger.Error("Dropping data chunk that does not fit the pipe",
				"bytes", len(m.data), "buffered", dp.size, "capacity", dp.capacity)
			return true
		}
		dp.writeRingLocked(m.data)
		dp.consumerAwakables.AwakeForStateChange(dp.consumerStateLocked())
		receipt = len(m.data)
		ep = dp.endpoint

	case m.typ == dataPipeMessageReceipt && dp.variant == variantRemoteProducer:
		dp.inTransit -= dp.clampCountLocked("Receipt", int(m.count), dp.inTransit)
		dp.producerAwakables.AwakeForStateChange(dp.producerStateLocked())

	case m.typ == dataPipeMessageAck && dp.variant == variantRemoteProducer:
		dp.unread -= dp.clampCountLocked("Ack", int(m.count), dp.unread)
		dp.producerAwakables.AwakeForStateChange(dp.producerStateLocked())

	default:
		dp.logger.Warn("Unexpected data pipe message", "type", m.typ, "variant", dp.variant)
	}
	dp.mu.Unlock()

	if ep != nil && ep.EnqueueMessage(channel.NewMessage(channel.KindEndpointClient, channel.PortInvalid, encodeReceipt(receipt), nil)) {
		dataPipeChunks.WithLabelValues(dataPipeMessageReceipt.String(), "out").Inc()
	}
	return true
}

// clampCountLocked bounds a count reported by the consumer to what the
// producer has outstanding
func (dp *DataPipe) clampCountLocked(what string, n, outstanding int) int {
	if n > outstanding || n%dp.elementSize != 0 {
		dp.logger.Warn(what+" exceeds bytes outstanding", "count", n, "outstanding", outstanding)
		return outstanding
	}
	return n
}

// OnDetachFromChannel implements channel.ChannelEndpointClient. The remote
// half is gone: a producer sees its consumer closed and vice versa.
func (dp *DataPipe) OnDetachFromChannel(uint32) {
	dp.mu.Lock()
	ep := dp.endpoint
	dp.endpoint = nil
	switch dp.variant {
	case variantRemoteProducer:
		dp.consumerOpen = false
		dp.producerAwakables.AwakeForStateChange(dp.producerStateLocked())
	case variantRemoteConsumer:
		dp.producerOpen = false
		dp.consumerAwakables.AwakeForStateChange(dp.consumerStateLocked())
	}
	dp.mu.Unlock()

	if ep != nil {
		ep.DetachFromClient()
	}
}

func (dp *DataPipe) chunkMessages(data []byte) []*channel.MessageInTransit {
	limit := maxChunkBytes - maxChunkBytes%dp.elementSize
	if limit < dp.elementSize {
		limit = dp.elementSize
	}
	var msgs []*channel.MessageInTransit
	for len(data) > 0 {
		n := min(len(data), limit)
		msgs = append(msgs, channel.NewMessage(channel.KindEndpointClient, channel.PortInvalid, encodeChunk(data[:n]), nil))
		data = data[n:]
	}
	return msgs
}

func (dp *DataPipe) writeRingLocked(data []byte) {
	if dp.buffer == nil {
		dp.buffer = make([]byte, dp.capacity)
	}
	end := (dp.start + dp.size) % dp.capacity
	n := copy(dp.buffer[end:], data)
	copy(dp.buffer, data[n:])
	dp.size += len(data)
}

func (dp *DataPipe) peekRingLocked(dst []byte) {
	first := min(len(dst), dp.capacity-dp.start)
	copy(dst, dp.buffer[dp.start:dp.start+first])
	copy(dst[first:], dp.buffer[:len(dst)-first])
}

func (dp *DataPipe) consumeRingLocked(n int) {
	dp.size -= n
	if dp.size == 0 {
		dp.start = 0
		return
	}
	dp.start = (dp.start + n) % dp.capacity
}

// String returns a string representation of the data pipe
func (dp *DataPipe) String() string {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return fmt.Sprintf("DataPipe{Variant: %s, ElementSize: %d, Capacity: %d, Buffered: %d, Unread: %d, InTransit: %d, ProducerOpen: %t, ConsumerOpen: %t}",
		dp.variant, dp.elementSize, dp.capacity, dp.size, dp.unread, dp.inTransit, dp.producerOpen, dp.consumerOpen)
}
