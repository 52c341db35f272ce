package channel

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/billm/baaaht/ipcore/pkg/types"
)

// controlType is the subtype of a KindEndpointControl message
type controlType uint64

const (
	// controlRemoveEndpoint tells the peer that the sender's client went
	// away; the peer endpoint becomes peer-closed and must acknowledge.
	controlRemoveEndpoint controlType = 1
	// controlRemoveEndpointAck releases the port reserved by the remover
	controlRemoveEndpointAck controlType = 2
)

const controlFieldType protowire.Number = 1

func (t controlType) String() string {
	switch t {
	case controlRemoveEndpoint:
		return "remove_endpoint"
	case controlRemoveEndpointAck:
		return "remove_endpoint_ack"
	default:
		return fmt.Sprintf("control(%d)", uint64(t))
	}
}

func encodeControl(t controlType) []byte {
	b := protowire.AppendTag(nil, controlFieldType, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t))
}

func decodeControl(b []byte) (controlType, error) {
	var t controlType
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, types.WrapError(types.ErrCodeInvalid, "malformed control message", protowire.ParseError(n))
		}
		b = b[n:]
		if num == controlFieldType && typ == protowire.VarintType {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return 0, types.WrapError(types.ErrCodeInvalid, "malformed control message", protowire.ParseError(m))
			}
			t = controlType(v)
			b = b[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return 0, types.WrapError(types.ErrCodeInvalid, "malformed control message", protowire.ParseError(m))
		}
		b = b[m:]
	}
	if t != controlRemoveEndpoint && t != controlRemoveEndpointAck {
		return 0, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("unknown control message %d", uint64(t)))
	}
	return t, nil
}
