package system

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/billm/baaaht/ipcore/pkg/types"
)

// Messages exchanged by the two halves of a remote data pipe. Chunks flow
// from producer to consumer. Receipts carry the number of bytes the
// consumer has buffered back to the producer, acks the number it has read
// or discarded.
type dataPipeMessageType uint64

const (
	dataPipeMessageChunk   dataPipeMessageType = 1
	dataPipeMessageAck     dataPipeMessageType = 2
	dataPipeMessageReceipt dataPipeMessageType = 3
)

const (
	dataPipeFieldType  protowire.Number = 1
	dataPipeFieldData  protowire.Number = 2
	dataPipeFieldCount protowire.Number = 3
)

func (t dataPipeMessageType) String() string {
	switch t {
	case dataPipeMessageChunk:
		return "chunk"
	case dataPipeMessageAck:
		return "ack"
	case dataPipeMessageReceipt:
		return "receipt"
	default:
		return fmt.Sprintf("data_pipe_message(%d)", uint64(t))
	}
}

type dataPipeMessage struct {
	typ   dataPipeMessageType
	data  []byte
	count uint64
}

func encodeChunk(data []byte) []byte {
	b := make([]byte, 0, len(data)+16)
	b = protowire.AppendTag(b, dataPipeFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(dataPipeMessageChunk))
	b = protowire.AppendTag(b, dataPipeFieldData, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func encodeAck(count int) []byte {
	return encodeCount(dataPipeMessageAck, count)
}

func encodeReceipt(count int) []byte {
	return encodeCount(dataPipeMessageReceipt, count)
}

func encodeCount(typ dataPipeMessageType, count int) []byte {
	b := protowire.AppendTag(nil, dataPipeFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(typ))
	b = protowire.AppendTag(b, dataPipeFieldCount, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(count))
}

func decodeDataPipeMessage(b []byte) (dataPipeMessage, error) {
	var m dataPipeMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, types.WrapError(types.ErrCodeInvalid, "malformed data pipe message", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == dataPipeFieldType && typ == protowire.VarintType:
			v, k := protowire.ConsumeVarint(b)
			if k < 0 {
				return m, types.WrapError(types.ErrCodeInvalid, "malformed data pipe message", protowire.ParseError(k))
			}
			m.typ = dataPipeMessageType(v)
			b = b[k:]
		case num == dataPipeFieldData && typ == protowire.BytesType:
			v, k := protowire.ConsumeBytes(b)
			if k < 0 {
				return m, types.WrapError(types.ErrCodeInvalid, "malformed data pipe message", protowire.ParseError(k))
			}
			m.data = v
			b = b[k:]
		case num == dataPipeFieldCount && typ == protowire.VarintType:
			v, k := protowire.ConsumeVarint(b)
			if k < 0 {
				return m, types.WrapError(types.ErrCodeInvalid, "malformed data pipe message", protowire.ParseError(k))
			}
			m.count = v
			b = b[k:]
		default:
			k := protowire.ConsumeFieldValue(num, typ, b)
			if k < 0 {
				return m, types.WrapError(types.ErrCodeInvalid, "malformed data pipe message", protowire.ParseError(k))
			}
			b = b[k:]
		}
	}

	switch m.typ {
	case dataPipeMessageChunk, dataPipeMessageAck, dataPipeMessageReceipt:
	default:
		return m, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("unknown data pipe message %d", uint64(m.typ)))
	}
	return m, nil
}
