package system

import (
	"fmt"

	"github.com/billm/baaaht/ipcore/internal/config"
	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/channel"
	"github.com/billm/baaaht/ipcore/pkg/embedder"
	"github.com/billm/baaaht/ipcore/pkg/types"
)

// Handle record kinds
const (
	recordKindMessagePipe      uint32 = 1
	recordKindDataPipeProducer uint32 = 2
	recordKindDataPipeConsumer uint32 = 3
	recordKindPlatformHandle   uint32 = 4
)

// recordFlagPeerClosed marks a data pipe half whose other half was already
// closed when it was sent
const recordFlagPeerClosed uint32 = 1 << 0

// NewAttachmentDeserializer returns the hook a Channel uses to rebuild
// dispatchers from inbound handle records. Pipes are attached to the
// channel before the function returns, so frames for them that follow the
// carrying frame find their endpoints.
func NewAttachmentDeserializer(cfg *config.Config, log *logger.Logger) channel.AttachmentDeserializer {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("component", "attachment_deserializer")

	return func(ch *channel.Channel, records []channel.HandleRecord, handles []embedder.PlatformHandle) ([]channel.Attachment, error) {
		used := make([]bool, len(handles))
		out := make([]channel.Attachment, 0, len(records))

		for i, record := range records {
			d, err := deserializeRecord(ch, record, handles, used, cfg, log)
			if err != nil {
				for _, a := range out {
					a.Close()
				}
				closeUnused(handles, used)
				return nil, types.WrapError(types.ErrCodeInvalid, fmt.Sprintf("handle record %d", i), err)
			}
			out = append(out, d)
		}

		if n := closeUnused(handles, used); n > 0 {
			log.Warn("Closed platform handles not referenced by any record", "count", n)
		}
		return out, nil
	}
}

func deserializeRecord(ch *channel.Channel, record channel.HandleRecord, handles []embedder.PlatformHandle, used []bool,
	cfg *config.Config, log *logger.Logger) (Dispatcher, error) {
	switch record.Kind {
	case recordKindMessagePipe:
		pipe, ep := NewLocalProxyMessagePipe(log)
		ch.AttachEndpoint(ep, record.RemotePort, record.LocalPort)
		return NewMessagePipeDispatcher(pipe, 0, cfg.MessagePipe), nil

	case recordKindDataPipeProducer, recordKindDataPipeConsumer:
		opts, err := validateDataPipeOptions(DataPipeOptions{
			ElementSize: int(record.ElementSize),
			Capacity:    int(record.Capacity),
		}, cfg.DataPipe)
		if err != nil {
			return nil, err
		}
		if record.ElementSize == 0 || record.Capacity == 0 || int(record.InFlight) > opts.Capacity {
			return nil, types.NewError(types.ErrCodeInvalidArgument, "malformed data pipe record")
		}

		if record.Kind == recordKindDataPipeProducer {
			dp := newDataPipe(opts, cfg.DataPipe, variantRemoteProducer, log)
			dp.unread = int(record.InFlight)
			dp.consumerOpen = record.Flags&recordFlagPeerClosed == 0
			dp.attachRemote(ch, record)
			return NewDataPipeProducerDispatcher(dp), nil
		}
		// A closed producer is reported by the endpoint detaching, after
		// the buffered chunks that follow this frame.
		dp := newDataPipe(opts, cfg.DataPipe, variantRemoteConsumer, log)
		dp.attachRemote(ch, record)
		return NewDataPipeConsumerDispatcher(dp), nil

	case recordKindPlatformHandle:
		idx := record.PlatformHandleIndex
		if idx == channel.NoPlatformHandle {
			log.Warn("Platform handle did not survive the transport, delivering an invalid handle")
			return NewPlatformHandleDispatcher(embedder.PlatformHandle{}), nil
		}
		if idx < 0 || int(idx) >= len(handles) || used[idx] {
			return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("bad platform handle index %d", idx))
		}
		used[idx] = true
		return NewPlatformHandleDispatcher(handles[idx]), nil

	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown handle record kind %d", record.Kind))
	}
}

func closeUnused(handles []embedder.PlatformHandle, used []bool) int {
	n := 0
	for i := range handles {
		if !used[i] {
			handles[i].Close()
			n++
		}
	}
	return n
}
