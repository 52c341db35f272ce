package channel

import (
	"errors"
	"fmt"
	"sync"
)

// EndpointState is the lifecycle state of a ChannelEndpoint
type EndpointState int

const (
	// EndpointLive endpoints forward messages in both directions
	EndpointLive EndpointState = iota
	// EndpointPeerClosed endpoints lost their remote side; nothing more
	// will be sent or received
	EndpointPeerClosed
	// EndpointDetached endpoints have been released by both the Channel
	// and the client
	EndpointDetached
)

// String returns the state name
func (s EndpointState) String() string {
	switch s {
	case EndpointLive:
		return "live"
	case EndpointPeerClosed:
		return "peer_closed"
	case EndpointDetached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChannelEndpointClient is the object reading and writing through a
// ChannelEndpoint, typically one side of a message pipe or a data pipe.
// clientPort lets a client with several endpoints tell them apart.
type ChannelEndpointClient interface {
	// OnReadMessage takes ownership of msg. Returning false means the client
	// no longer accepts messages from this endpoint; the message is lost.
	OnReadMessage(clientPort uint32, msg *MessageInTransit) bool
	// OnDetachFromChannel reports that the remote side is gone. The client
	// must call DetachFromClient.
	OnDetachFromChannel(clientPort uint32)
}

// ChannelEndpoint is one logical side of a pipe as seen by a Channel. It
// may be created before the Channel exists; messages written until then
// wait in its prequeue and go out ahead of anything written later.
//
// Lock order: the endpoint's lock, then the Channel's. Serializing
// attachments may take client locks while the endpoint lock is held, so
// clients must not call into an endpoint while holding their own lock.
type ChannelEndpoint struct {
	mu              sync.Mutex
	state           EndpointState
	client          ChannelEndpointClient
	clientPort      uint32
	channel         *Channel
	localPort       Port
	remotePort      Port
	attached        bool
	channelDetached bool
	clientDetached  bool
	prequeue        MessageQueue
}

// NewChannelEndpoint creates an unattached endpoint. Messages in prequeue,
// if any, are moved into the endpoint's prequeue.
func NewChannelEndpoint(client ChannelEndpointClient, clientPort uint32, prequeue *MessageQueue) *ChannelEndpoint {
	ep := &ChannelEndpoint{
		state:      EndpointLive,
		client:     client,
		clientPort: clientPort,
	}
	ep.prequeue.AppendQueue(prequeue)
	return ep
}

// EnqueueMessage sends msg to the remote side, or prequeues it if the
// endpoint is not attached yet. It returns false, leaving msg with the
// caller, once the endpoint can no longer send. A message that cannot be
// serialized fails the endpoint: both sides see the peer closed.
func (ep *ChannelEndpoint) EnqueueMessage(msg *MessageInTransit) bool {
	ep.mu.Lock()
	if ep.state != EndpointLive || ep.clientDetached {
		ep.mu.Unlock()
		return false
	}
	if !ep.attached {
		ep.prequeue.Append(msg)
		ep.mu.Unlock()
		return true
	}
	if ep.channel == nil {
		ep.mu.Unlock()
		return false
	}
	msg.DestPort = ep.remotePort
	msg.SrcPort = ep.localPort
	err := ep.channel.writeMessage(msg)
	var notify func()
	if err != nil {
		notify = ep.failLocked(err)
	}
	ep.mu.Unlock()

	if notify != nil {
		notify()
	}
	return err == nil
}

// failLocked gives up on the endpoint after a write error and returns the
// client notification to run once ep.mu is released. ep.mu must be held.
func (ep *ChannelEndpoint) failLocked(err error) func() {
	if errors.Is(err, errChannelGone) || ep.channelDetached {
		return nil
	}
	if ep.channel != nil {
		ch := ep.channel
		ep.channel = nil
		ch.detachEndpoint(ep, ep.localPort, ep.remotePort)
	}
	ep.channelDetached = true
	ep.prequeue.DiscardAll()
	ep.state = EndpointPeerClosed

	client, clientPort := ep.client, ep.clientPort
	if client == nil {
		return nil
	}
	return func() { client.OnDetachFromChannel(clientPort) }
}

// ReplaceClient hands the endpoint to a new client. It fails once the old
// client has detached.
func (ep *ChannelEndpoint) ReplaceClient(client ChannelEndpointClient, clientPort uint32) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.clientDetached {
		return false
	}
	ep.client = client
	ep.clientPort = clientPort
	return true
}

// DetachFromClient is called by the client when it no longer uses the
// endpoint. If the endpoint is still live on a Channel, the remote side is
// told to close; if it has not been attached yet, that happens right after
// the prequeue is flushed.
func (ep *ChannelEndpoint) DetachFromClient() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.clientDetached {
		return
	}
	ep.clientDetached = true
	ep.client = nil

	if !ep.attached {
		return
	}
	ep.detachChannelLocked()
}

// detachChannelLocked removes a live endpoint from its Channel and tells
// the remote side. ep.mu must be held.
func (ep *ChannelEndpoint) detachChannelLocked() {
	if ep.channel != nil {
		ch := ep.channel
		ep.channel = nil
		ch.detachEndpoint(ep, ep.localPort, ep.remotePort)
	}
	ep.channelDetached = true
	ep.state = EndpointDetached
}

// AttachAndRun binds the endpoint to ch and flushes the prequeue. Called by
// the Channel.
func (ep *ChannelEndpoint) AttachAndRun(ch *Channel, localPort, remotePort Port) {
	ep.mu.Lock()
	if ep.attached {
		ep.mu.Unlock()
		panic(fmt.Sprintf("channel endpoint already attached on port %d", ep.localPort))
	}
	ep.attached = true
	ep.channel = ch
	ep.localPort = localPort
	ep.remotePort = remotePort

	var notify func()
	for msg := ep.prequeue.PopFront(); msg != nil; msg = ep.prequeue.PopFront() {
		msg.DestPort = remotePort
		msg.SrcPort = localPort
		if err := ch.writeMessage(msg); err != nil {
			msg.Discard()
			ep.prequeue.DiscardAll()
			notify = ep.failLocked(err)
			break
		}
	}

	if ep.clientDetached && !ep.channelDetached {
		ep.detachChannelLocked()
	}
	ep.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// OnReadMessage hands msg to the client. It returns false if the client
// has already detached, in which case msg has been discarded.
func (ep *ChannelEndpoint) OnReadMessage(msg *MessageInTransit) bool {
	ep.mu.Lock()
	client, clientPort := ep.client, ep.clientPort
	ep.mu.Unlock()

	if client == nil || !client.OnReadMessage(clientPort, msg) {
		msg.Discard()
		return false
	}
	return true
}

// DetachFromChannel is called by the Channel when the remote side went away
// or the Channel shut down.
func (ep *ChannelEndpoint) DetachFromChannel() {
	ep.mu.Lock()
	if ep.channelDetached {
		ep.mu.Unlock()
		return
	}
	ep.channelDetached = true
	ep.channel = nil
	ep.prequeue.DiscardAll()
	if ep.state == EndpointLive {
		ep.state = EndpointPeerClosed
	}
	client, clientPort := ep.client, ep.clientPort
	if ep.clientDetached {
		ep.state = EndpointDetached
	}
	ep.mu.Unlock()

	if client != nil {
		client.OnDetachFromChannel(clientPort)
	}
}

// State returns the current state
func (ep *ChannelEndpoint) State() EndpointState {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state == EndpointPeerClosed && ep.clientDetached {
		return EndpointDetached
	}
	return ep.state
}

// Ports returns the local and remote port, valid once attached
func (ep *ChannelEndpoint) Ports() (local, remote Port) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.localPort, ep.remotePort
}

// IsAttached reports whether the endpoint has been attached to a Channel
func (ep *ChannelEndpoint) IsAttached() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.attached
}

// PrequeueLen returns the number of messages waiting for attachment
func (ep *ChannelEndpoint) PrequeueLen() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.prequeue.Len()
}
