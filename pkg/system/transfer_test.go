package system

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/ipcore/internal/config"
	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/channel"
	"github.com/billm/baaaht/ipcore/pkg/embedder"
	"github.com/billm/baaaht/ipcore/pkg/iothread"
	"github.com/billm/baaaht/ipcore/pkg/types"
	"github.com/billm/baaaht/ipcore/pkg/waiter"
)

// testProcess is one side of a connection: a handle table, its channel and
// the bootstrap message pipe handle
type testProcess struct {
	core *Core
	ch   *channel.Channel
	boot Handle
}

func createTestProcess(t *testing.T, cfg *config.Config, transport embedder.Transport) *testProcess {
	t.Helper()
	loop, err := iothread.New(logger.NewNop(), 64)
	require.NoError(t, err)
	t.Cleanup(loop.Stop)

	core := createTestCoreWithConfig(t, cfg)
	ch, err := channel.New(cfg.Channel, loop, core.AttachmentDeserializer(), logger.NewNop())
	require.NoError(t, err)
	ch.Init(transport)

	boot, ep, err := core.CreateBootstrapMessagePipe()
	require.NoError(t, err)
	ch.SetBootstrapEndpoint(ep)
	t.Cleanup(func() { ch.Shutdown() })

	return &testProcess{core: core, ch: ch, boot: boot}
}

// createTestConnectedProcesses returns two processes whose bootstrap pipes
// are connected over a unix socket pair
func createTestConnectedProcesses(t *testing.T, cfg *config.Config) (*testProcess, *testProcess) {
	t.Helper()
	pair, err := embedder.NewPlatformChannelPair()
	require.NoError(t, err)
	ta, err := embedder.NewUnixTransport(pair.PassServerHandle())
	require.NoError(t, err)
	tb, err := embedder.NewUnixTransport(pair.PassClientHandle())
	require.NoError(t, err)
	return createTestProcess(t, cfg, ta), createTestProcess(t, cfg, tb)
}

func (p *testProcess) wait(t *testing.T, h Handle, signals waiter.HandleSignals) {
	t.Helper()
	_, err := p.core.Wait(context.Background(), h, signals, testTimeout)
	require.NoError(t, err, "waiting for %s on handle %d", signals, h)
}

func (p *testProcess) read(t *testing.T, h Handle) ([]byte, []Handle) {
	t.Helper()
	p.wait(t, h, waiter.SignalReadable)
	payload, handles, err := p.core.ReadMessage(h, NoLimit, NoLimit, ReadMessageFlagNone)
	require.NoError(t, err)
	return payload, handles
}

func (p *testProcess) write(t *testing.T, h Handle, payload string, handles ...Handle) {
	t.Helper()
	require.NoError(t, p.core.WriteMessage(h, []byte(payload), handles, WriteMessageFlagNone))
}

// readData reads exactly n bytes from consumer h, waiting as chunks arrive
func (p *testProcess) readData(t *testing.T, h Handle, n int) []byte {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, n)
	for out.Len() < n {
		p.wait(t, h, waiter.SignalReadable)
		got, err := p.core.ReadData(h, buf[:n-out.Len()], DataFlagNone)
		require.NoError(t, err)
		out.Write(buf[:got])
	}
	return out.Bytes()
}

func TestRemoteMessagePipeBasicHandoff(t *testing.T) {
	a, b := createTestConnectedProcesses(t, config.Default())

	a.write(t, a.boot, "hello")
	payload, handles := b.read(t, b.boot)
	assert.Equal(t, "hello", string(payload))
	assert.Empty(t, handles)

	time.Sleep(20 * time.Millisecond)
	_, _, err := b.core.ReadMessage(b.boot, NoLimit, NoLimit, ReadMessageFlagNone)
	assert.True(t, types.IsShouldWait(err))

	b.write(t, b.boot, "hello back")
	payload, _ = a.read(t, a.boot)
	assert.Equal(t, "hello back", string(payload))
}

func TestRemoteMessagePipeOrdering(t *testing.T) {
	a, b := createTestConnectedProcesses(t, config.Default())

	for i := 0; i < 50; i++ {
		a.write(t, a.boot, string(rune('A'+i%26)))
	}
	for i := 0; i < 50; i++ {
		payload, _ := b.read(t, b.boot)
		require.Equal(t, string(rune('A'+i%26)), string(payload), "message %d", i)
	}
}

func TestRemoteMessagePipePeerClosed(t *testing.T) {
	a, b := createTestConnectedProcesses(t, config.Default())

	a.write(t, a.boot, "bye")
	require.NoError(t, a.core.Close(a.boot))

	b.wait(t, b.boot, waiter.SignalPeerClosed)
	payload, _ := b.read(t, b.boot)
	assert.Equal(t, "bye", string(payload))

	err := b.core.WriteMessage(b.boot, []byte("late"), nil, WriteMessageFlagNone)
	assert.True(t, types.IsPeerClosed(err))
	_, _, err = b.core.ReadMessage(b.boot, NoLimit, NoLimit, ReadMessageFlagNone)
	assert.True(t, types.IsPeerClosed(err))
}

func TestRemoteTransferMessagePipePort(t *testing.T) {
	a, b := createTestConnectedProcesses(t, config.Default())

	x0, x1, err := a.core.CreateMessagePipe()
	require.NoError(t, err)
	a.write(t, x0, "early")
	a.write(t, a.boot, "have a port", x1)

	_, err = a.core.GetDispatcher(x1)
	assert.Error(t, err)

	payload, handles := b.read(t, b.boot)
	assert.Equal(t, "have a port", string(payload))
	require.Len(t, handles, 1)
	y := handles[0]

	payload, _ = b.read(t, y)
	assert.Equal(t, "early", string(payload))

	a.write(t, x0, "later")
	payload, _ = b.read(t, y)
	assert.Equal(t, "later", string(payload))

	b.write(t, y, "reply")
	payload, _ = a.read(t, x0)
	assert.Equal(t, "reply", string(payload))

	require.NoError(t, b.core.Close(y))
	a.wait(t, x0, waiter.SignalPeerClosed)
}

func TestRemoteTransferPortWithClosedPeer(t *testing.T) {
	a, b := createTestConnectedProcesses(t, config.Default())

	x0, x1, err := a.core.CreateMessagePipe()
	require.NoError(t, err)
	a.write(t, x0, "parting gift")
	require.NoError(t, a.core.Close(x0))
	a.write(t, a.boot, "", x1)

	_, handles := b.read(t, b.boot)
	require.Len(t, handles, 1)
	payload, _ := b.read(t, handles[0])
	assert.Equal(t, "parting gift", string(payload))
	b.wait(t, handles[0], waiter.SignalPeerClosed)
}

func TestRemoteTransferDataPipeConsumer(t *testing.T) {
	a, b := createTestConnectedProcesses(t, config.Default())

	producer, consumer, err := a.core.CreateDataPipe(DataPipeOptions{ElementSize: 1, Capacity: 64})
	require.NoError(t, err)
	_, err = a.core.WriteData(producer, []byte("buffered"), DataFlagNone)
	require.NoError(t, err)

	a.write(t, a.boot, "consumer", consumer)
	_, handles := b.read(t, b.boot)
	require.Len(t, handles, 1)
	remote := handles[0]

	d, err := b.core.GetDispatcher(remote)
	require.NoError(t, err)
	assert.Equal(t, DispatcherTypeDataPipeConsumer, d.Type())

	assert.Equal(t, "buffered", string(b.readData(t, remote, 8)))

	_, err = a.core.WriteData(producer, []byte("streamed"), DataFlagNone)
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(b.readData(t, remote, 8)))

	_, err = a.core.WriteData(producer, []byte("tail"), DataFlagNone)
	require.NoError(t, err)
	require.NoError(t, a.core.Close(producer))

	assert.Equal(t, "tail", string(b.readData(t, remote, 4)))
	b.wait(t, remote, waiter.SignalPeerClosed)
	_, err = b.core.ReadData(remote, make([]byte, 1), DataFlagNone)
	assert.True(t, types.IsPeerClosed(err))
}

// writeData writes all of data to producer h, waiting for space
func (p *testProcess) writeData(t *testing.T, h Handle, data []byte) {
	t.Helper()
	for len(data) > 0 {
		p.wait(t, h, waiter.SignalWritable)
		n, err := p.core.WriteData(h, data, DataFlagNone)
		if types.IsShouldWait(err) {
			continue
		}
		require.NoError(t, err)
		data = data[n:]
	}
}

// readAllOrNone retries an all-or-none read of n bytes until it succeeds
func (p *testProcess) readAllOrNone(t *testing.T, h Handle, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	require.Eventually(t, func() bool {
		got, err := p.core.ReadData(h, buf, DataFlagAllOrNone)
		return err == nil && got == n
	}, testTimeout, 5*time.Millisecond)
	return buf
}

func TestRemoteDataPipeFlowControl(t *testing.T) {
	cfg := config.Default()
	cfg.DataPipe.FlowControlWindow = 8
	a, b := createTestConnectedProcesses(t, cfg)

	producer, consumer, err := a.core.CreateDataPipe(DataPipeOptions{ElementSize: 2, Capacity: 64})
	require.NoError(t, err)
	a.write(t, a.boot, "producer", producer)
	_, handles := b.read(t, b.boot)
	require.Len(t, handles, 1)
	remote := handles[0]

	// A partial write puts at most one window on the wire
	n, err := b.core.WriteData(remote, []byte("0123456789ab"), DataFlagNone)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	// Receipts keep the producer going until the far buffer is full
	data := bytes.Repeat([]byte("xy"), 32)
	copy(data, "01234567")
	b.writeData(t, remote, data[8:])

	_, err = b.core.WriteData(remote, []byte("zz"), DataFlagNone)
	assert.True(t, types.IsShouldWait(err))
	_, err = b.core.WriteData(remote, []byte("zz"), DataFlagAllOrNone)
	assert.True(t, types.IsErrCode(err, types.ErrCodeOutOfRange))
	state, err := b.core.SignalsState(remote)
	require.NoError(t, err)
	assert.False(t, state.Satisfies(waiter.SignalWritable))

	assert.Equal(t, data, a.readAllOrNone(t, consumer, 64))

	b.wait(t, remote, waiter.SignalWritable)
	n, err = b.core.WriteData(remote, []byte("89abcdef"), DataFlagNone)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "89abcdef", string(a.readData(t, consumer, 8)))

	require.NoError(t, a.core.Close(consumer))
	b.wait(t, remote, waiter.SignalPeerClosed)
	_, err = b.core.WriteData(remote, []byte("xx"), DataFlagNone)
	assert.True(t, types.IsPeerClosed(err))
}

func TestRemoteDataPipeAllOrNoneBeyondWindow(t *testing.T) {
	tests := []struct {
		name         string
		sendProducer bool
	}{
		{name: "producer sent", sendProducer: true},
		{name: "consumer sent", sendProducer: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.DataPipe.FlowControlWindow = 8
			a, b := createTestConnectedProcesses(t, cfg)

			producer, consumer, err := a.core.CreateDataPipe(DataPipeOptions{ElementSize: 2, Capacity: 64})
			require.NoError(t, err)

			writer, w, reader, r := a, producer, b, consumer
			sent := consumer
			if tt.sendProducer {
				writer, reader = b, a
				sent = producer
			}
			a.write(t, a.boot, "half", sent)
			_, handles := b.read(t, b.boot)
			require.Len(t, handles, 1)
			if tt.sendProducer {
				w = handles[0]
			} else {
				r = handles[0]
			}

			// A full-capacity burst on an idle pipe goes out at once
			first := bytes.Repeat([]byte("ab"), 32)
			n, err := writer.core.WriteData(w, first, DataFlagAllOrNone)
			require.NoError(t, err)
			assert.Equal(t, 64, n)
			assert.Equal(t, first, reader.readAllOrNone(t, r, 64))

			// Window-sized partial writes still add up to a full-capacity read
			second := bytes.Repeat([]byte("cd"), 32)
			writer.writeData(t, w, second)
			assert.Equal(t, second, reader.readAllOrNone(t, r, 64))

			_, err = writer.core.WriteData(w, make([]byte, 66), DataFlagAllOrNone)
			assert.True(t, types.IsErrCode(err, types.ErrCodeOutOfRange))
		})
	}
}

func TestRemoteTransferPlatformHandle(t *testing.T) {
	a, b := createTestConnectedProcesses(t, config.Default())
	ph, r := createTestPlatformHandle(t)

	h, err := a.core.WrapPlatformHandle(ph)
	require.NoError(t, err)
	a.write(t, a.boot, "fd", h)

	_, handles := b.read(t, b.boot)
	require.Len(t, handles, 1)
	out, err := b.core.UnwrapPlatformHandle(handles[0])
	require.NoError(t, err)
	require.True(t, out.IsValid())

	f := out.ToFile("pipe-writer")
	_, err = f.Write([]byte("across the channel"))
	require.NoError(t, err)
	f.Close()

	buf := make([]byte, 64)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "across the channel", string(buf[:n]))
}

func TestRemoteTransferRestrictions(t *testing.T) {
	a, b := createTestConnectedProcesses(t, config.Default())

	producer, consumer, err := a.core.CreateDataPipe(DataPipeOptions{ElementSize: 1, Capacity: 16})
	require.NoError(t, err)

	err = a.core.WriteMessage(a.boot, nil, []Handle{producer, consumer}, WriteMessageFlagNone)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnimplemented), "got %v", err)
	_, err = a.core.WriteData(producer, []byte("still mine"), DataFlagNone)
	require.NoError(t, err)

	a.write(t, a.boot, "", consumer)
	_, handles := b.read(t, b.boot)
	require.Len(t, handles, 1)
	remote := handles[0]

	// A consumer that is already remote cannot cross another channel
	err = b.core.WriteMessage(b.boot, nil, []Handle{remote}, WriteMessageFlagNone)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnimplemented), "got %v", err)

	// but it can move between pipes inside the process
	m0, m1, err := b.core.CreateMessagePipe()
	require.NoError(t, err)
	b.write(t, m0, "", remote)
	_, handles = b.read(t, m1)
	require.Len(t, handles, 1)
	assert.Equal(t, "still mine", string(b.readData(t, handles[0], 10)))
}

func TestAttachmentDeserializerRejectsBadRecords(t *testing.T) {
	loop, err := iothread.New(logger.NewNop(), 8)
	require.NoError(t, err)
	t.Cleanup(loop.Stop)
	cfg := config.Default()
	ch, err := channel.New(cfg.Channel, loop, nil, logger.NewNop())
	require.NoError(t, err)

	deserialize := NewAttachmentDeserializer(cfg, logger.NewNop())

	tests := []struct {
		name    string
		records []channel.HandleRecord
	}{
		{name: "unknown kind", records: []channel.HandleRecord{{Kind: 99}}},
		{name: "misaligned data pipe", records: []channel.HandleRecord{{Kind: recordKindDataPipeConsumer, ElementSize: 4, Capacity: 10}}},
		{name: "in flight over capacity", records: []channel.HandleRecord{{Kind: recordKindDataPipeProducer, ElementSize: 1, Capacity: 8, InFlight: 9}}},
		{name: "platform handle index out of range", records: []channel.HandleRecord{{Kind: recordKindPlatformHandle, PlatformHandleIndex: 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attachments, err := deserialize(ch, tt.records, nil)
			assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid), "got %v", err)
			assert.Nil(t, attachments)
		})
	}

	attachments, err := deserialize(ch, []channel.HandleRecord{{Kind: recordKindPlatformHandle, PlatformHandleIndex: channel.NoPlatformHandle}}, nil)
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	phd, ok := attachments[0].(*PlatformHandleDispatcher)
	require.True(t, ok)
	h, err := phd.PassPlatformHandle()
	require.NoError(t, err)
	assert.False(t, h.IsValid())
}
