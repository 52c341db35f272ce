package ipc

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/billm/baaaht/ipcore/pkg/embedder"
	"github.com/billm/baaaht/ipcore/pkg/types"
)

// Handshake fields. A handshake is a length-delimited protobuf message
// written on the pre-existing connection between master and slave.
const (
	handshakeFieldConnectionID protowire.Number = 1
	handshakeFieldProcessID    protowire.Number = 2
	handshakeFieldHandle       protowire.Number = 3
)

// maxHandshakeSize bounds a single handshake body
const maxHandshakeSize = 4096

// handshake tells a slave which channel end belongs to which connection
type handshake struct {
	connID    ConnectionIdentifier
	processID ProcessIdentifier
	hasHandle bool
	handle    embedder.PlatformHandle
}

func encodeHandshake(hs handshake) []byte {
	var body []byte
	body = protowire.AppendTag(body, handshakeFieldConnectionID, protowire.BytesType)
	body = protowire.AppendString(body, string(hs.connID))
	body = protowire.AppendTag(body, handshakeFieldProcessID, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(hs.processID))
	if hs.hasHandle {
		body = protowire.AppendTag(body, handshakeFieldHandle, protowire.VarintType)
		body = protowire.AppendVarint(body, 1)
	}
	return protowire.AppendBytes(nil, body)
}

// nextHandshake decodes the first handshake in buf. It returns zero bytes
// consumed when buf does not yet hold a complete one.
func nextHandshake(buf []byte) (handshake, int, error) {
	size, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		if len(buf) < protowire.SizeVarint(maxHandshakeSize)+1 {
			return handshake{}, 0, nil
		}
		return handshake{}, 0, types.WrapError(types.ErrCodeInvalid, "malformed handshake length", protowire.ParseError(n))
	}
	if size > maxHandshakeSize {
		return handshake{}, 0, types.NewError(types.ErrCodeInvalid, "handshake too large")
	}
	if uint64(len(buf)-n) < size {
		return handshake{}, 0, nil
	}

	hs, err := decodeHandshakeBody(buf[n : n+int(size)])
	if err != nil {
		return handshake{}, 0, err
	}
	return hs, n + int(size), nil
}

func decodeHandshakeBody(b []byte) (handshake, error) {
	var hs handshake
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return hs, types.WrapError(types.ErrCodeInvalid, "malformed handshake", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == handshakeFieldConnectionID && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			hs.connID = ConnectionIdentifier(v)
		case num == handshakeFieldProcessID && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			hs.processID = ProcessIdentifier(v)
		case num == handshakeFieldHandle && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			hs.hasHandle = v != 0
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return hs, types.WrapError(types.ErrCodeInvalid, "malformed handshake field", protowire.ParseError(n))
		}
		b = b[n:]
	}

	if hs.connID == "" {
		return hs, types.NewError(types.ErrCodeInvalid, "handshake without connection identifier")
	}
	if hs.processID <= ProcessIdentifierMaster {
		return hs, types.NewError(types.ErrCodeInvalid, "handshake with reserved process identifier")
	}
	return hs, nil
}
