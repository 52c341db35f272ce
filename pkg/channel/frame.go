package channel

import (
	"encoding/binary"
	"fmt"

	"github.com/billm/baaaht/ipcore/pkg/types"
)

// Frame layout, little-endian:
//
//	 0 u32 destination port
//	 4 u16 kind
//	 6 u16 platform handle count
//	 8 u32 payload length
//	12 u32 handle record count
//	16 u32 source port
//	20 payload, then handle records
const (
	FrameHeaderSize  = 20
	HandleRecordSize = 40
)

// NoPlatformHandle is the PlatformHandleIndex of a record without one
const NoPlatformHandle int32 = -1

// HandleRecord describes one transferred object on the wire
type HandleRecord struct {
	Kind        uint32
	Flags       uint32
	ElementSize uint32
	Capacity    uint32
	// Ports as seen by the sender. The receiver swaps them.
	LocalPort  Port
	RemotePort Port
	// InFlight is the number of bytes already committed against the
	// transferred pipe's window at the time of transfer.
	InFlight            uint32
	PlatformHandleIndex int32
}

type frameHeader struct {
	DestPort           Port
	Kind               Kind
	NumPlatformHandles uint16
	PayloadLen         uint32
	NumHandleRecords   uint32
	SrcPort            Port
}

func (h frameHeader) frameSize() int {
	return FrameHeaderSize + int(h.PayloadLen) + int(h.NumHandleRecords)*HandleRecordSize
}

// frameLimits bounds what the reader accepts
type frameLimits struct {
	maxPayload         int
	maxHandleRecords   int
	maxPlatformHandles int
}

func encodeFrame(msg *MessageInTransit, records []HandleRecord, numPlatformHandles int) ([]byte, error) {
	if numPlatformHandles > 0xffff {
		return nil, types.NewError(types.ErrCodeResourceExhausted, "too many platform handles for one frame")
	}
	if uint64(len(msg.Payload)) > 0xffffffff {
		return nil, types.NewError(types.ErrCodeResourceExhausted, "payload too large for one frame")
	}

	buf := make([]byte, FrameHeaderSize+len(msg.Payload)+len(records)*HandleRecordSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(msg.DestPort))
	binary.LittleEndian.PutUint16(buf[4:], uint16(msg.Kind))
	binary.LittleEndian.PutUint16(buf[6:], uint16(numPlatformHandles))
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(msg.Payload)))
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(records)))
	binary.LittleEndian.PutUint32(buf[16:], uint32(msg.SrcPort))
	off := FrameHeaderSize + copy(buf[FrameHeaderSize:], msg.Payload)
	for _, r := range records {
		putHandleRecord(buf[off:off+HandleRecordSize], r)
		off += HandleRecordSize
	}
	return buf, nil
}

func decodeFrameHeader(b []byte, limits frameLimits) (frameHeader, error) {
	if len(b) < FrameHeaderSize {
		return frameHeader{}, types.NewError(types.ErrCodeInvalid, "short frame header")
	}
	h := frameHeader{
		DestPort:           Port(binary.LittleEndian.Uint32(b[0:])),
		Kind:               Kind(binary.LittleEndian.Uint16(b[4:])),
		NumPlatformHandles: binary.LittleEndian.Uint16(b[6:]),
		PayloadLen:         binary.LittleEndian.Uint32(b[8:]),
		NumHandleRecords:   binary.LittleEndian.Uint32(b[12:]),
		SrcPort:            Port(binary.LittleEndian.Uint32(b[16:])),
	}

	switch {
	case h.Kind != KindEndpointClient && h.Kind != KindEndpointControl:
		return h, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("unknown message kind %d", uint16(h.Kind)))
	case h.DestPort == PortInvalid:
		return h, types.NewError(types.ErrCodeInvalid, "frame addressed to the invalid port")
	case int64(h.PayloadLen) > int64(limits.maxPayload):
		return h, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("payload of %d bytes exceeds limit", h.PayloadLen))
	case int64(h.NumHandleRecords) > int64(limits.maxHandleRecords):
		return h, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("%d handle records exceed limit", h.NumHandleRecords))
	case int(h.NumPlatformHandles) > limits.maxPlatformHandles:
		return h, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("%d platform handles exceed limit", h.NumPlatformHandles))
	}
	return h, nil
}

// decodeFrameBody splits a complete frame into payload and handle records.
// The payload is copied so the read buffer can be reused.
func decodeFrameBody(h frameHeader, frame []byte) ([]byte, []HandleRecord) {
	off := FrameHeaderSize
	var payload []byte
	if h.PayloadLen > 0 {
		payload = make([]byte, h.PayloadLen)
		copy(payload, frame[off:off+int(h.PayloadLen)])
	}
	off += int(h.PayloadLen)

	var records []HandleRecord
	if h.NumHandleRecords > 0 {
		records = make([]HandleRecord, h.NumHandleRecords)
		for i := range records {
			records[i] = getHandleRecord(frame[off : off+HandleRecordSize])
			off += HandleRecordSize
		}
	}
	return payload, records
}

func putHandleRecord(b []byte, r HandleRecord) {
	binary.LittleEndian.PutUint32(b[0:], r.Kind)
	binary.LittleEndian.PutUint32(b[4:], r.Flags)
	binary.LittleEndian.PutUint32(b[8:], r.ElementSize)
	binary.LittleEndian.PutUint32(b[12:], r.Capacity)
	binary.LittleEndian.PutUint32(b[16:], uint32(r.LocalPort))
	binary.LittleEndian.PutUint32(b[20:], uint32(r.RemotePort))
	binary.LittleEndian.PutUint32(b[24:], r.InFlight)
	binary.LittleEndian.PutUint32(b[28:], uint32(r.PlatformHandleIndex))
	// bytes 32..40 are reserved and left zero
}

func getHandleRecord(b []byte) HandleRecord {
	return HandleRecord{
		Kind:                binary.LittleEndian.Uint32(b[0:]),
		Flags:               binary.LittleEndian.Uint32(b[4:]),
		ElementSize:         binary.LittleEndian.Uint32(b[8:]),
		Capacity:            binary.LittleEndian.Uint32(b[12:]),
		LocalPort:           Port(binary.LittleEndian.Uint32(b[16:])),
		RemotePort:          Port(binary.LittleEndian.Uint32(b[20:])),
		InFlight:            binary.LittleEndian.Uint32(b[24:]),
		PlatformHandleIndex: int32(binary.LittleEndian.Uint32(b[28:])),
	}
}
