package system

import (
	"fmt"
	"sync"

	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/channel"
	"github.com/billm/baaaht/ipcore/pkg/types"
	"github.com/billm/baaaht/ipcore/pkg/waiter"
)

type portType int

const (
	portClosed portType = iota
	// portLocal ports queue inbound messages for a reader in this process
	portLocal
	// portProxy ports forward everything written to them over a channel
	portProxy
)

func (t portType) String() string {
	switch t {
	case portClosed:
		return "closed"
	case portLocal:
		return "local"
	case portProxy:
		return "proxy"
	default:
		return fmt.Sprintf("port_type(%d)", int(t))
	}
}

type pipePort struct {
	typ       portType
	queue     channel.MessageQueue
	awakables waiter.AwakableList
	endpoint  *channel.ChannelEndpoint
}

// MessagePipe is a pair of ports. A message written on one port is read
// on the other. When a port is a proxy, messages for it leave through its
// ChannelEndpoint and messages arriving there are delivered to its peer.
//
// The pipe never calls into a ChannelEndpoint while holding its lock.
type MessagePipe struct {
	mu     sync.Mutex
	logger *logger.Logger
	ports  [2]pipePort
}

func peerPort(port uint32) uint32 {
	return port ^ 1
}

func newMessagePipe(log *logger.Logger) *MessagePipe {
	if log == nil {
		log = logger.NewNop()
	}
	return &MessagePipe{logger: log.With("component", "message_pipe")}
}

// NewLocalMessagePipe creates a pipe with both ports in this process
func NewLocalMessagePipe(log *logger.Logger) *MessagePipe {
	p := newMessagePipe(log)
	p.ports[0].typ = portLocal
	p.ports[1].typ = portLocal
	return p
}

// NewLocalProxyMessagePipe creates a pipe whose port 0 is local and whose
// port 1 is a proxy. The returned endpoint is unattached: messages written
// on port 0 wait in its prequeue until it is attached to a channel.
func NewLocalProxyMessagePipe(log *logger.Logger) (*MessagePipe, *channel.ChannelEndpoint) {
	p := newMessagePipe(log)
	ep := channel.NewChannelEndpoint(p, 1, nil)
	p.ports[0].typ = portLocal
	p.ports[1].typ = portProxy
	p.ports[1].endpoint = ep
	return p, ep
}

// stateLocked computes the signal state of a local port
func (p *MessagePipe) stateLocked(port uint32) waiter.HandleSignalsState {
	pt := &p.ports[port]
	peer := &p.ports[peerPort(port)]

	var s waiter.HandleSignalsState
	if !pt.queue.IsEmpty() {
		s.Satisfied |= waiter.SignalReadable
		s.Satisfiable |= waiter.SignalReadable
	}
	if peer.typ != portClosed {
		s.Satisfied |= waiter.SignalWritable
		s.Satisfiable |= waiter.SignalReadable | waiter.SignalWritable
	} else {
		s.Satisfied |= waiter.SignalPeerClosed
	}
	s.Satisfiable |= waiter.SignalPeerClosed
	return s
}

// WriteMessage writes payload and the transported dispatchers on port. The
// transports are completed here once the write is known to go ahead;
// after that the write always reports success, even if the message is
// later lost because the peer closed concurrently.
func (p *MessagePipe) WriteMessage(port uint32, payload []byte, transports []*DispatcherTransport) error {
	p.mu.Lock()
	if p.ports[port].typ != portLocal {
		p.mu.Unlock()
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("port %d is not local", port))
	}
	peerType := p.ports[peerPort(port)].typ
	p.mu.Unlock()

	if peerType == portClosed {
		return types.NewError(types.ErrCodeFailedPrecondition, "message pipe peer is closed")
	}
	if err := p.checkTransports(transports, peerType == portProxy); err != nil {
		return err
	}

	var attachments []channel.Attachment
	if len(transports) > 0 {
		attachments = make([]channel.Attachment, 0, len(transports))
		for _, t := range transports {
			attachments = append(attachments, t.CreateEquivalentDispatcherAndClose())
		}
	}
	msg := channel.NewMessage(channel.KindEndpointClient, channel.PortInvalid, payload, attachments)
	messagesTotal.WithLabelValues("write").Inc()

	if !p.deliverToPeer(port, msg) {
		p.logger.Debug("Message lost, peer closed or message not sendable", "port", port)
		msg.Discard()
	}
	return nil
}

func (p *MessagePipe) checkTransports(transports []*DispatcherTransport, overChannel bool) error {
	var dataPipes map[*DataPipe]struct{}
	for _, t := range transports {
		d := t.Dispatcher()
		if mp, ok := d.(*MessagePipeDispatcher); ok && mp.pipe == p {
			return types.NewError(types.ErrCodeInvalidArgument, "a message pipe port cannot be sent over its own pipe")
		}
		if !overChannel {
			continue
		}
		if err := d.CanTransferOverChannel(); err != nil {
			return err
		}
		if dp := dataPipeOf(d); dp != nil {
			if dataPipes == nil {
				dataPipes = make(map[*DataPipe]struct{})
			}
			if _, dup := dataPipes[dp]; dup {
				return types.NewError(types.ErrCodeUnimplemented,
					"both halves of a data pipe cannot be sent over a channel in one message")
			}
			dataPipes[dp] = struct{}{}
		}
	}
	return nil
}

// deliverToPeer hands msg to the peer of port: queued if the peer is
// local, forwarded if it is a proxy. It returns false if the peer is closed.
func (p *MessagePipe) deliverToPeer(port uint32, msg *channel.MessageInTransit) bool {
	p.mu.Lock()
	peer := &p.ports[peerPort(port)]
	switch peer.typ {
	case portLocal:
		peer.queue.Append(msg)
		peer.awakables.AwakeForStateChange(p.stateLocked(peerPort(port)))
		p.mu.Unlock()
		return true
	case portProxy:
		ep := peer.endpoint
		p.mu.Unlock()
		return ep.EnqueueMessage(msg)
	default:
		p.mu.Unlock()
		return false
	}
}

// ReadMessage pops the next message on port. A message larger than the
// limits fails with ErrCodeResourceExhausted and stays queued unless
// mayDiscard is set.
func (p *MessagePipe) ReadMessage(port uint32, maxBytes, maxHandles int, mayDiscard bool) ([]byte, []channel.Attachment, error) {
	p.mu.Lock()
	pt := &p.ports[port]
	if pt.typ != portLocal {
		p.mu.Unlock()
		return nil, nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("port %d is not local", port))
	}

	msg := pt.queue.PeekFront()
	if msg == nil {
		peerClosed := p.ports[peerPort(port)].typ == portClosed
		p.mu.Unlock()
		if peerClosed {
			return nil, nil, types.NewError(types.ErrCodeFailedPrecondition, "message pipe peer is closed")
		}
		return nil, nil, types.ErrShouldWait
	}

	tooBig := (maxBytes >= 0 && len(msg.Payload) > maxBytes) ||
		(maxHandles >= 0 && msg.NumAttachments() > maxHandles)
	if tooBig && !mayDiscard {
		p.mu.Unlock()
		return nil, nil, types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("message of %d bytes and %d handles exceeds the read limits", len(msg.Payload), msg.NumAttachments()))
	}

	pt.queue.PopFront()
	pt.awakables.AwakeForStateChange(p.stateLocked(port))
	p.mu.Unlock()

	if tooBig {
		msg.Discard()
		return nil, nil, types.NewError(types.ErrCodeResourceExhausted, "message exceeded the read limits and was discarded")
	}
	messagesTotal.WithLabelValues("read").Inc()
	return msg.Payload, msg.TakeAttachments(), nil
}

// Close closes port. The peer sees PEER_CLOSED: a local peer immediately,
// a remote one once the channel delivers the removal.
func (p *MessagePipe) Close(port uint32) {
	p.mu.Lock()
	pt := &p.ports[port]
	if pt.typ != portLocal {
		p.mu.Unlock()
		return
	}
	pt.typ = portClosed
	pt.awakables.CancelAll()
	var unread channel.MessageQueue
	unread.AppendQueue(&pt.queue)

	var ep *channel.ChannelEndpoint
	peer := &p.ports[peerPort(port)]
	switch peer.typ {
	case portLocal:
		peer.awakables.AwakeForStateChange(p.stateLocked(peerPort(port)))
	case portProxy:
		ep = peer.endpoint
		peer.endpoint = nil
		peer.typ = portClosed
	}
	p.mu.Unlock()

	unread.DiscardAll()
	if ep != nil {
		ep.DetachFromClient()
	}
}

// State returns the signal state of a local port
func (p *MessagePipe) State(port uint32) waiter.HandleSignalsState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ports[port].typ != portLocal {
		return waiter.HandleSignalsState{}
	}
	return p.stateLocked(port)
}

// AddAwakable registers a on a local port
func (p *MessagePipe) AddAwakable(port uint32, a waiter.Awakable, signals waiter.HandleSignals, context uint64) (waiter.HandleSignalsState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ports[port].typ != portLocal {
		return waiter.HandleSignalsState{}, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("port %d is not local", port))
	}
	state := p.stateLocked(port)
	return state, p.ports[port].awakables.AddChecked(state, a, signals, context)
}

// RemoveAwakable unregisters a and returns the state at removal
func (p *MessagePipe) RemoveAwakable(port uint32, a waiter.Awakable) waiter.HandleSignalsState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ports[port].typ != portLocal {
		return waiter.HandleSignalsState{}
	}
	p.ports[port].awakables.Remove(a)
	return p.stateLocked(port)
}

func (p *MessagePipe) cancelAllAwakables(port uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports[port].awakables.CancelAll()
}

// convertLocalToProxy turns a local port that is being sent over a channel
// into a proxy. Its unread messages become the new endpoint's prequeue, so
// they reach the new owner before anything the peer writes afterwards.
func (p *MessagePipe) convertLocalToProxy(port uint32) (*channel.ChannelEndpoint, error) {
	p.mu.Lock()
	pt := &p.ports[port]
	if pt.typ != portLocal {
		p.mu.Unlock()
		return nil, types.NewError(types.ErrCodeFailedPrecondition, fmt.Sprintf("port %d is not local", port))
	}
	pt.awakables.CancelAll()
	prequeue := channel.NewMessageQueue()
	prequeue.AppendQueue(&pt.queue)
	ep := channel.NewChannelEndpoint(p, port, prequeue)

	peerClosed := p.ports[peerPort(port)].typ == portClosed
	if peerClosed {
		pt.typ = portClosed
	} else {
		pt.typ = portProxy
		pt.endpoint = ep
	}
	p.mu.Unlock()

	if peerClosed {
		// The new owner gets the unread messages, then PEER_CLOSED
		ep.DetachFromClient()
	}
	return ep, nil
}

// OnReadMessage implements channel.ChannelEndpointClient for a proxy port
func (p *MessagePipe) OnReadMessage(port uint32, msg *channel.MessageInTransit) bool {
	p.mu.Lock()
	isProxy := p.ports[port].typ == portProxy
	p.mu.Unlock()
	if !isProxy {
		return false
	}
	return p.deliverToPeer(port, msg)
}

// OnDetachFromChannel implements channel.ChannelEndpointClient. The proxy
// port closes and its peer sees PEER_CLOSED.
func (p *MessagePipe) OnDetachFromChannel(port uint32) {
	p.mu.Lock()
	pt := &p.ports[port]
	if pt.typ != portProxy {
		p.mu.Unlock()
		return
	}
	ep := pt.endpoint
	pt.endpoint = nil
	pt.typ = portClosed

	var peerEP *channel.ChannelEndpoint
	peer := &p.ports[peerPort(port)]
	switch peer.typ {
	case portLocal:
		peer.awakables.AwakeForStateChange(p.stateLocked(peerPort(port)))
	case portProxy:
		peerEP = peer.endpoint
		peer.endpoint = nil
		peer.typ = portClosed
	}
	p.mu.Unlock()

	ep.DetachFromClient()
	if peerEP != nil {
		peerEP.DetachFromClient()
	}
}

// String returns a string representation of the pipe
func (p *MessagePipe) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("MessagePipe{Port0: %s (%d queued), Port1: %s (%d queued)}",
		p.ports[0].typ, p.ports[0].queue.Len(), p.ports[1].typ, p.ports[1].queue.Len())
}
