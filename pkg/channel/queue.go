package channel

// MessageQueue is a FIFO of messages. It is not safe for concurrent use.
type MessageQueue struct {
	items []*MessageInTransit
	head  int
}

// NewMessageQueue returns an empty queue
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{}
}

// Append adds msg at the back
func (q *MessageQueue) Append(msg *MessageInTransit) {
	q.items = append(q.items, msg)
}

// AppendQueue moves every message of other to the back of q, preserving
// order, and leaves other empty.
func (q *MessageQueue) AppendQueue(other *MessageQueue) {
	if other == nil || other == q {
		return
	}
	q.items = append(q.items, other.items[other.head:]...)
	other.Clear()
}

// PopFront removes and returns the front message, or nil if q is empty
func (q *MessageQueue) PopFront() *MessageInTransit {
	if q.head >= len(q.items) {
		return nil
	}
	msg := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = nil
		}
		q.items = q.items[:n]
		q.head = 0
	}
	return msg
}

// PeekFront returns the front message without removing it
func (q *MessageQueue) PeekFront() *MessageInTransit {
	if q.head >= len(q.items) {
		return nil
	}
	return q.items[q.head]
}

// Len returns the number of queued messages
func (q *MessageQueue) Len() int {
	return len(q.items) - q.head
}

// IsEmpty reports whether q holds no messages
func (q *MessageQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Clear forgets every message without releasing them
func (q *MessageQueue) Clear() {
	q.items = nil
	q.head = 0
}

// DiscardAll releases and removes every queued message
func (q *MessageQueue) DiscardAll() {
	for msg := q.PopFront(); msg != nil; msg = q.PopFront() {
		msg.Discard()
	}
}
