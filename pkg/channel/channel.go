package channel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/billm/baaaht/ipcore/internal/config"
	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/embedder"
	"github.com/billm/baaaht/ipcore/pkg/iothread"
	"github.com/billm/baaaht/ipcore/pkg/types"
)

// Channel multiplexes ChannelEndpoints over one OS transport. Frames are
// decoded on a reader goroutine and routed on the I/O loop; writes may come
// from any goroutine and keep per-port order.
type Channel struct {
	mu             sync.Mutex
	cfg            config.ChannelConfig
	logger         *logger.Logger
	loop           *iothread.Loop
	deserializer   AttachmentDeserializer
	onError        func(error)
	transport      embedder.Transport
	initialized    bool
	shutdown       bool
	remoteGone     bool
	endpoints      map[Port]*ChannelEndpoint
	pendingRemoval map[Port]struct{}
	bootstrapSet   bool
	draining       bool
	backlog        []*MessageInTransit
	outbound       []outboundFrame
	nextPort       atomic.Uint32
	wakeCh         chan struct{}
	closeCh        chan struct{}
	group          errgroup.Group
	stats          Stats
}

type outboundFrame struct {
	data    []byte
	handles []embedder.PlatformHandle
	kind    Kind
}

// Stats holds channel counters
type Stats struct {
	FramesWritten   uint64 `json:"frames_written"`
	FramesRead      uint64 `json:"frames_read"`
	FramesDropped   uint64 `json:"frames_dropped"`
	MessagesLost    uint64 `json:"messages_lost"`
	Endpoints       int    `json:"endpoints"`
	PendingRemovals int    `json:"pending_removals"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Stats{FramesWritten: %d, FramesRead: %d, FramesDropped: %d, MessagesLost: %d, Endpoints: %d, PendingRemovals: %d}",
		s.FramesWritten, s.FramesRead, s.FramesDropped, s.MessagesLost, s.Endpoints, s.PendingRemovals)
}

// New creates a Channel. Frames are routed on loop; deserializer rebuilds
// attachments of inbound frames and may be nil if none are expected.
func New(cfg config.ChannelConfig, loop *iothread.Loop, deserializer AttachmentDeserializer, log *logger.Logger) (*Channel, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if loop == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "I/O loop cannot be nil")
	}
	if cfg.MaxPayloadBytes <= 0 || cfg.ReadBufferSize <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "channel limits must be positive")
	}

	c := &Channel{
		cfg:            cfg,
		logger:         log.With("component", "channel"),
		loop:           loop,
		deserializer:   deserializer,
		endpoints:      make(map[Port]*ChannelEndpoint),
		pendingRemoval: make(map[Port]struct{}),
		wakeCh:         make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
	}
	c.nextPort.Store(uint32(BootstrapPort))
	return c, nil
}

// SetErrorHandler registers fn to be called on the I/O loop when the
// transport fails.
func (c *Channel) SetErrorHandler(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Init binds the transport and starts the read and write pumps. Calling it
// twice, or after Shutdown, panics.
func (c *Channel) Init(transport embedder.Transport) {
	if transport == nil {
		panic("channel: Init with nil transport")
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		panic("channel: Init after Shutdown")
	}
	if c.initialized {
		c.mu.Unlock()
		panic("channel: Init called twice")
	}
	c.initialized = true
	c.transport = transport
	c.mu.Unlock()

	c.group.Go(func() error {
		err := c.readPump()
		c.reportTransportError("read", err)
		return err
	})
	c.group.Go(func() error {
		err := c.writePump()
		c.reportTransportError("write", err)
		return err
	})

	activeChannels.Inc()
	c.logger.Debug("Channel initialized", "handle_passing", transport.SupportsHandles())
}

// SetBootstrapEndpoint attaches ep on BootstrapPort, flushes its prequeue
// and delivers any bootstrap frames that arrived before it was set.
func (c *Channel) SetBootstrapEndpoint(ep *ChannelEndpoint) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		panic("channel: SetBootstrapEndpoint after Shutdown")
	}
	if c.bootstrapSet {
		c.mu.Unlock()
		panic("channel: bootstrap endpoint already set")
	}
	c.bootstrapSet = true
	gone := c.remoteGone
	if !gone {
		c.endpoints[BootstrapPort] = ep
		c.draining = true
	}
	c.mu.Unlock()

	ep.AttachAndRun(c, BootstrapPort, BootstrapPort)
	if gone {
		ep.DetachFromChannel()
		return
	}

	if err := c.loop.Post(c.drainBacklog); err != nil {
		c.logger.Warn("Failed to schedule bootstrap backlog delivery", "error", err)
	}
}

func (c *Channel) drainBacklog() {
	c.mu.Lock()
	backlog := c.backlog
	c.backlog = nil
	c.draining = false
	c.mu.Unlock()

	if len(backlog) > 0 {
		c.logger.Debug("Delivering bootstrap backlog", "messages", len(backlog))
	}
	for _, msg := range backlog {
		c.route(msg)
	}
}

// AllocateTransferPorts picks the ports for an endpoint created to carry a
// transferred pipe: local is used on this side, remote on the peer's.
func (c *Channel) AllocateTransferPorts() (local, remote Port) {
	n := Port(c.nextPort.Add(1))
	if n&PortRemoteFlag != 0 {
		panic("channel: transfer port space exhausted")
	}
	return n, n | PortRemoteFlag
}

// AttachEndpoint attaches ep on localPort, talking to remotePort on the
// other side. Attaching after Shutdown panics.
func (c *Channel) AttachEndpoint(ep *ChannelEndpoint, localPort, remotePort Port) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		panic("channel: AttachEndpoint after Shutdown")
	}
	c.mu.Unlock()

	if !c.registerEndpoint(ep, localPort) {
		ep.DetachFromChannel()
		return
	}
	ep.AttachAndRun(c, localPort, remotePort)
}

func (c *Channel) registerEndpoint(ep *ChannelEndpoint, localPort Port) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown || c.remoteGone {
		return false
	}
	if _, exists := c.endpoints[localPort]; exists {
		panic(fmt.Sprintf("channel: port %d already in use", localPort))
	}
	c.endpoints[localPort] = ep
	return true
}

// SupportsHandles reports whether platform handles survive this channel
func (c *Channel) SupportsHandles() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil && c.transport.SupportsHandles()
}

// errChannelGone is returned by writeMessage once the Channel stopped
// carrying frames. The Channel detaches its endpoints itself in that case.
var errChannelGone = types.NewError(types.ErrCodeUnavailable, "channel is shut down")

// writeMessage serializes msg and queues one frame for it. Called by
// endpoints with their lock held. Any error other than errChannelGone means
// the message could not be represented on the wire.
func (c *Channel) writeMessage(msg *MessageInTransit) error {
	records, handles, toAttach, err := c.serializeAttachments(msg)
	if err != nil {
		c.logger.Error("Failed to serialize attachments", "dest_port", msg.DestPort, "error", err)
		return err
	}

	data, err := encodeFrame(msg, records, len(handles))
	if err != nil {
		c.logger.Error("Failed to encode frame", "dest_port", msg.DestPort, "error", err)
		embedder.CloseHandles(handles)
		detachAll(toAttach)
		return err
	}

	c.mu.Lock()
	if c.shutdown || c.remoteGone {
		c.mu.Unlock()
		embedder.CloseHandles(handles)
		detachAll(toAttach)
		return errChannelGone
	}
	for _, s := range toAttach {
		if _, exists := c.endpoints[s.Record.LocalPort]; exists {
			c.mu.Unlock()
			panic(fmt.Sprintf("channel: transfer port %d already in use", s.Record.LocalPort))
		}
		c.endpoints[s.Record.LocalPort] = s.Endpoint
	}
	c.enqueueFrameLocked(outboundFrame{data: data, handles: handles, kind: msg.Kind})
	c.mu.Unlock()

	for _, s := range toAttach {
		s.Endpoint.AttachAndRun(c, s.Record.LocalPort, s.Record.RemotePort)
	}
	return nil
}

func (c *Channel) serializeAttachments(msg *MessageInTransit) ([]HandleRecord, []embedder.PlatformHandle, []SerializedAttachment, error) {
	if len(msg.Attachments) == 0 {
		return nil, nil, nil, nil
	}
	if len(msg.Attachments) > c.cfg.MaxHandleRecords {
		msg.Discard()
		return nil, nil, nil, types.NewError(types.ErrCodeResourceExhausted, "too many attachments for one frame")
	}

	supportsHandles := c.SupportsHandles()
	attachments := msg.TakeAttachments()
	records := make([]HandleRecord, 0, len(attachments))
	var handles []embedder.PlatformHandle
	var toAttach []SerializedAttachment

	for i, a := range attachments {
		s, err := a.SerializeForChannel(c)
		if err != nil {
			for _, rest := range attachments[i:] {
				rest.Close()
			}
			embedder.CloseHandles(handles)
			detachAll(toAttach)
			return nil, nil, nil, err
		}

		s.Record.PlatformHandleIndex = NoPlatformHandle
		if len(s.Handles) > 0 {
			if supportsHandles {
				s.Record.PlatformHandleIndex = int32(len(handles))
				handles = append(handles, s.Handles...)
			} else {
				c.logger.Warn("Transport cannot carry platform handles, sending record without them",
					"handles", len(s.Handles))
				embedder.CloseHandles(s.Handles)
			}
		}
		records = append(records, s.Record)
		if s.Endpoint != nil {
			toAttach = append(toAttach, s)
		}
	}
	if len(handles) > c.cfg.MaxPlatformHandles {
		embedder.CloseHandles(handles)
		detachAll(toAttach)
		return nil, nil, nil, types.NewError(types.ErrCodeResourceExhausted, "too many platform handles for one frame")
	}
	return records, handles, toAttach, nil
}

func detachAll(toAttach []SerializedAttachment) {
	for _, s := range toAttach {
		s.Endpoint.DetachFromChannel()
	}
}

// detachEndpoint removes ep after its client detached and tells the peer.
// The port stays reserved until the peer acknowledges.
func (c *Channel) detachEndpoint(ep *ChannelEndpoint, localPort, remotePort Port) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown || c.remoteGone {
		return
	}
	if c.endpoints[localPort] == ep {
		delete(c.endpoints, localPort)
	}
	c.pendingRemoval[localPort] = struct{}{}
	c.enqueueControlLocked(controlRemoveEndpoint, localPort, remotePort)
}

func (c *Channel) enqueueControlLocked(t controlType, src, dest Port) {
	msg := NewMessage(KindEndpointControl, dest, encodeControl(t), nil)
	msg.SrcPort = src
	data, err := encodeFrame(msg, nil, 0)
	if err != nil {
		c.logger.Error("Failed to encode control frame", "control", t, "error", err)
		return
	}
	c.enqueueFrameLocked(outboundFrame{data: data, kind: KindEndpointControl})
}

func (c *Channel) enqueueFrameLocked(f outboundFrame) {
	c.outbound = append(c.outbound, f)
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// onFrame runs on the I/O loop for every decoded inbound frame
func (c *Channel) onFrame(msg *MessageInTransit) {
	c.mu.Lock()
	if c.shutdown || c.remoteGone {
		c.mu.Unlock()
		c.drop(msg, DropReasonShutdown)
		return
	}
	c.stats.FramesRead++
	if msg.DestPort == BootstrapPort && (!c.bootstrapSet || c.draining) {
		c.mu.Unlock()
		if !c.deserialize(msg) {
			return
		}
		c.mu.Lock()
		c.backlog = append(c.backlog, msg)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.route(msg)
}

func (c *Channel) route(msg *MessageInTransit) {
	if msg.Kind == KindEndpointControl {
		c.onControl(msg)
		return
	}

	c.mu.Lock()
	ep, ok := c.endpoints[msg.DestPort]
	_, pending := c.pendingRemoval[msg.DestPort]
	c.mu.Unlock()

	if !ok {
		if pending {
			c.drop(msg, DropReasonPendingRemoval)
			return
		}
		c.logger.Warn("Dropping frame for unknown port", "dest_port", msg.DestPort, "src_port", msg.SrcPort)
		c.drop(msg, DropReasonUnknownPort)
		return
	}

	if !c.deserialize(msg) {
		return
	}

	if !ep.OnReadMessage(msg) {
		c.mu.Lock()
		c.stats.MessagesLost++
		c.mu.Unlock()
		messagesLost.Inc()
		c.logger.Debug("Message lost, endpoint client already detached", "dest_port", msg.DestPort)
	}
}

// deserialize rebuilds msg's attachments in place. On failure the frame is
// dropped and false is returned.
func (c *Channel) deserialize(msg *MessageInTransit) bool {
	if len(msg.records) == 0 {
		embedder.CloseHandles(msg.handles)
		msg.handles = nil
		return true
	}
	if c.deserializer == nil {
		c.logger.Warn("Frame carries attachments but channel has no deserializer", "dest_port", msg.DestPort)
		c.drop(msg, DropReasonBadAttachment)
		return false
	}

	attachments, err := c.deserializer(c, msg.records, msg.handles)
	msg.records = nil
	msg.handles = nil
	if err != nil {
		c.logger.Warn("Failed to deserialize attachments", "dest_port", msg.DestPort, "error", err)
		c.drop(msg, DropReasonBadAttachment)
		return false
	}
	msg.Attachments = attachments
	return true
}

func (c *Channel) onControl(msg *MessageInTransit) {
	t, err := decodeControl(msg.Payload)
	if err != nil {
		c.logger.Warn("Dropping malformed control message", "dest_port", msg.DestPort, "error", err)
		c.drop(msg, DropReasonBadControl)
		return
	}

	switch t {
	case controlRemoveEndpoint:
		c.mu.Lock()
		ep := c.endpoints[msg.DestPort]
		delete(c.endpoints, msg.DestPort)
		_, pending := c.pendingRemoval[msg.DestPort]
		if !c.shutdown && !c.remoteGone {
			c.enqueueControlLocked(controlRemoveEndpointAck, msg.DestPort, msg.SrcPort)
		}
		c.mu.Unlock()

		if ep != nil {
			ep.DetachFromChannel()
		} else if !pending {
			c.logger.Debug("Remove request for unknown port", "dest_port", msg.DestPort)
		}

	case controlRemoveEndpointAck:
		c.mu.Lock()
		_, pending := c.pendingRemoval[msg.DestPort]
		delete(c.pendingRemoval, msg.DestPort)
		c.mu.Unlock()
		if !pending {
			c.logger.Debug("Unexpected remove acknowledgement", "dest_port", msg.DestPort)
		}
	}
}

func (c *Channel) drop(msg *MessageInTransit, reason string) {
	msg.Discard()
	framesDropped.WithLabelValues(reason).Inc()
	c.mu.Lock()
	c.stats.FramesDropped++
	c.mu.Unlock()
}

func (c *Channel) limits() frameLimits {
	return frameLimits{
		maxPayload:         c.cfg.MaxPayloadBytes,
		maxHandleRecords:   c.cfg.MaxHandleRecords,
		maxPlatformHandles: c.cfg.MaxPlatformHandles,
	}
}

func (c *Channel) readPump() error {
	limits := c.limits()
	supportsHandles := c.transport.SupportsHandles()
	buf := make([]byte, c.cfg.ReadBufferSize)
	var pending []byte
	var handles []embedder.PlatformHandle
	defer func() { embedder.CloseHandles(handles) }()

	for {
		n, hs, err := c.transport.Read(buf)
		handles = append(handles, hs...)
		if n > 0 {
			pending = append(pending, buf[:n]...)
		}

		consumed := 0
		for len(pending)-consumed >= FrameHeaderSize {
			h, herr := decodeFrameHeader(pending[consumed:], limits)
			if herr != nil {
				return herr
			}
			size := h.frameSize()
			if len(pending)-consumed < size {
				break
			}

			payload, records := decodeFrameBody(h, pending[consumed:consumed+size])
			consumed += size

			var frameHandles []embedder.PlatformHandle
			if supportsHandles && h.NumPlatformHandles > 0 {
				k := int(h.NumPlatformHandles)
				if len(handles) < k {
					return types.NewError(types.ErrCodeInvalid,
						fmt.Sprintf("frame expects %d platform handles, %d received", k, len(handles)))
				}
				frameHandles = append([]embedder.PlatformHandle(nil), handles[:k]...)
				handles = handles[k:]
			}

			msg := &MessageInTransit{
				Kind:     h.Kind,
				DestPort: h.DestPort,
				SrcPort:  h.SrcPort,
				Payload:  payload,
				records:  records,
				handles:  frameHandles,
			}
			framesTotal.WithLabelValues("in", h.Kind.String()).Inc()
			bytesTotal.WithLabelValues("in").Add(float64(size))

			if perr := c.loop.PostThrottled(c.closeCh, func() { c.onFrame(msg) }); perr != nil {
				msg.Discard()
			}
		}
		if consumed > 0 {
			pending = append(pending[:0], pending[consumed:]...)
		}

		if err != nil {
			return err
		}
	}
}

func (c *Channel) writePump() error {
	for {
		c.mu.Lock()
		batch := c.outbound
		c.outbound = nil
		c.mu.Unlock()

		for i, f := range batch {
			if err := c.transport.Write(f.data, f.handles); err != nil {
				for _, rest := range batch[i+1:] {
					embedder.CloseHandles(rest.handles)
				}
				return err
			}
			framesTotal.WithLabelValues("out", f.kind.String()).Inc()
			bytesTotal.WithLabelValues("out").Add(float64(len(f.data)))
			c.mu.Lock()
			c.stats.FramesWritten++
			c.mu.Unlock()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-c.wakeCh:
		case <-c.closeCh:
			return nil
		}
	}
}

// reportTransportError schedules remote-shutdown handling unless the
// channel is already shutting down.
func (c *Channel) reportTransportError(op string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	shutdown := c.shutdown
	c.mu.Unlock()
	if shutdown {
		return
	}
	if perr := c.loop.Post(func() { c.onTransportError(op, err) }); perr != nil {
		c.logger.Warn("Transport failed after I/O loop stopped", "op", op, "error", err)
	}
}

// onTransportError treats a broken transport like a remote Shutdown: every
// endpoint becomes peer-closed.
func (c *Channel) onTransportError(op string, err error) {
	c.mu.Lock()
	if c.shutdown || c.remoteGone {
		c.mu.Unlock()
		return
	}
	c.remoteGone = true
	endpoints := c.takeEndpointsLocked()
	onError := c.onError
	c.mu.Unlock()

	if embedder.IsClosedError(err) {
		c.logger.Info("Channel peer disconnected", "op", op)
	} else {
		c.logger.Warn("Channel transport error", "op", op, "error", err)
	}

	for _, ep := range endpoints {
		ep.DetachFromChannel()
	}
	if onError != nil {
		onError(err)
	}
}

// takeEndpointsLocked empties the routing table and every queue
func (c *Channel) takeEndpointsLocked() []*ChannelEndpoint {
	endpoints := make([]*ChannelEndpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		endpoints = append(endpoints, ep)
	}
	c.endpoints = make(map[Port]*ChannelEndpoint)
	c.pendingRemoval = make(map[Port]struct{})
	for _, msg := range c.backlog {
		msg.Discard()
	}
	c.backlog = nil
	for _, f := range c.outbound {
		embedder.CloseHandles(f.handles)
	}
	c.outbound = nil
	return endpoints
}

// Shutdown detaches every endpoint, stops the pumps and releases the
// transport. It must be called exactly once; a second call panics.
func (c *Channel) Shutdown() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		panic("channel: Shutdown called twice")
	}
	c.shutdown = true
	endpoints := c.takeEndpointsLocked()
	transport := c.transport
	initialized := c.initialized
	c.mu.Unlock()

	for _, ep := range endpoints {
		ep.DetachFromChannel()
	}

	close(c.closeCh)

	var err error
	if transport != nil {
		err = multierr.Append(err, transport.Close())
		if werr := c.group.Wait(); werr != nil && !embedder.IsClosedError(werr) {
			c.logger.Debug("Channel pump exited with error during shutdown", "error", werr)
		}
	}
	if initialized {
		activeChannels.Dec()
	}

	c.logger.Debug("Channel shut down", "endpoints_detached", len(endpoints))
	return err
}

// Stats returns a snapshot of the channel counters
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Endpoints = len(c.endpoints)
	s.PendingRemovals = len(c.pendingRemoval)
	return s
}

// String returns a string representation of the channel
func (c *Channel) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("Channel{Initialized: %t, Shutdown: %t, RemoteGone: %t, Endpoints: %d}",
		c.initialized, c.shutdown, c.remoteGone, len(c.endpoints))
}
