package channel

import (
	"fmt"

	"github.com/billm/baaaht/ipcore/pkg/embedder"
)

// Port identifies one ChannelEndpoint within one Channel
type Port uint32

const (
	PortInvalid   Port = 0
	BootstrapPort Port = 1

	// PortRemoteFlag marks ports picked by the other side of the channel
	// for transferred pipes. Each side allocates from its own half.
	PortRemoteFlag Port = 1 << 31
)

// Kind is the message kind carried in the frame header
type Kind uint16

const (
	// KindEndpointClient messages are delivered to the endpoint's client
	KindEndpointClient Kind = 1
	// KindEndpointControl messages are consumed by the Channel itself
	KindEndpointControl Kind = 2
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindEndpointClient:
		return "endpoint_client"
	case KindEndpointControl:
		return "endpoint_control"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Attachment is a transferable object riding on a message, typically a
// dispatcher. Outbound attachments are serialized by the Channel when the
// message is written; inbound ones are rebuilt before delivery.
type Attachment interface {
	// SerializeForChannel converts the attachment into its wire form. After a
	// successful call the attachment must not be used again.
	SerializeForChannel(ch *Channel) (SerializedAttachment, error)
	// Close releases the attachment when its message is discarded.
	Close() error
}

// SerializedAttachment is the wire form of one Attachment. When Endpoint is
// set the Channel attaches it on Record.LocalPort/Record.RemotePort right
// after the carrying frame is queued, so anything already in its prequeue
// follows that frame on the wire.
type SerializedAttachment struct {
	Record   HandleRecord
	Handles  []embedder.PlatformHandle
	Endpoint *ChannelEndpoint
}

// AttachmentDeserializer rebuilds the attachments of an inbound frame. It
// runs on the I/O loop before the message is routed, so endpoints it
// attaches exist before any frame addressed to them is processed.
type AttachmentDeserializer func(ch *Channel, records []HandleRecord, handles []embedder.PlatformHandle) ([]Attachment, error)

// MessageInTransit is one message moving between queues. It is owned by
// exactly one queue at a time and never copied.
type MessageInTransit struct {
	Kind        Kind
	DestPort    Port
	SrcPort     Port
	Payload     []byte
	Attachments []Attachment

	// Wire-level parts of an inbound message before deserialization
	records []HandleRecord
	handles []embedder.PlatformHandle
}

// NewMessage creates a message for destPort
func NewMessage(kind Kind, destPort Port, payload []byte, attachments []Attachment) *MessageInTransit {
	return &MessageInTransit{
		Kind:        kind,
		DestPort:    destPort,
		Payload:     payload,
		Attachments: attachments,
	}
}

// NumAttachments returns the number of attachments carried
func (m *MessageInTransit) NumAttachments() int {
	return len(m.Attachments)
}

// TakeAttachments removes and returns the attachments
func (m *MessageInTransit) TakeAttachments() []Attachment {
	a := m.Attachments
	m.Attachments = nil
	return a
}

// Discard releases everything the message owns. Used when a message is
// dropped instead of delivered.
func (m *MessageInTransit) Discard() {
	for _, a := range m.Attachments {
		if a != nil {
			a.Close()
		}
	}
	m.Attachments = nil
	embedder.CloseHandles(m.handles)
	m.handles = nil
	m.records = nil
}

// String returns a string representation of the message
func (m *MessageInTransit) String() string {
	return fmt.Sprintf("MessageInTransit{Kind: %s, DestPort: %d, SrcPort: %d, PayloadLen: %d, Attachments: %d}",
		m.Kind, m.DestPort, m.SrcPort, len(m.Payload), len(m.Attachments))
}
