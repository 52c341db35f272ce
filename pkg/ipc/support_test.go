package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/ipcore/internal/config"
	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/embedder"
	"github.com/billm/baaaht/ipcore/pkg/system"
	"github.com/billm/baaaht/ipcore/pkg/types"
	"github.com/billm/baaaht/ipcore/pkg/waiter"
)

const testTimeout = 2 * time.Second

type recordingDelegate struct {
	slaves chan any
	master chan struct{}
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		slaves: make(chan any, 8),
		master: make(chan struct{}, 8),
	}
}

func (d *recordingDelegate) OnSlaveDisconnect(info any) {
	d.slaves <- info
}

func (d *recordingDelegate) OnMasterDisconnect() {
	d.master <- struct{}{}
}

func (d *recordingDelegate) waitSlave(t *testing.T) any {
	t.Helper()
	select {
	case info := <-d.slaves:
		return info
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for OnSlaveDisconnect")
		return nil
	}
}

func (d *recordingDelegate) waitMaster(t *testing.T) {
	t.Helper()
	select {
	case <-d.master:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for OnMasterDisconnect")
	}
}

func createTestMaster(t *testing.T, cfg *config.Config) (*Support, *recordingDelegate) {
	t.Helper()
	d := newRecordingDelegate()
	s, err := NewMaster(cfg, d, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, d
}

func createTestSlave(t *testing.T, cfg *config.Config, conn embedder.PlatformHandle) (*Support, *recordingDelegate) {
	t.Helper()
	d := newRecordingDelegate()
	s, err := NewSlave(cfg, d, conn, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, d
}

// createTestBootstrapPair returns the master and slave ends of the
// pre-existing connection
func createTestBootstrapPair(t *testing.T) (embedder.PlatformHandle, embedder.PlatformHandle) {
	t.Helper()
	pair, err := embedder.NewPlatformChannelPair()
	require.NoError(t, err)
	return pair.PassServerHandle(), pair.PassClientHandle()
}

type testConnection struct {
	master, slave         *Support
	masterPipe, slavePipe system.Handle
	masterD, slaveD       *recordingDelegate
	conn                  *SlaveConnection
}

func connectTestProcesses(t *testing.T, cfg *config.Config) *testConnection {
	t.Helper()
	ctx := context.Background()
	toSlave, toMaster := createTestBootstrapPair(t)

	master, masterD := createTestMaster(t, cfg)
	slave, slaveD := createTestSlave(t, cfg, toMaster)

	connID := GenerateConnectionIdentifier()
	conn, err := master.ConnectToSlave(ctx, connID, "slave-1", toSlave)
	require.NoError(t, err)
	assert.False(t, conn.PlatformHandle.IsValid())

	h, err := slave.ConnectToMaster(ctx, connID)
	require.NoError(t, err)
	slavePipe, err := slave.CreateChannel(ctx, h)
	require.NoError(t, err)

	return &testConnection{
		master:     master,
		slave:      slave,
		masterPipe: conn.MessagePipe,
		slavePipe:  slavePipe,
		masterD:    masterD,
		slaveD:     slaveD,
		conn:       conn,
	}
}

func readMessage(t *testing.T, s *Support, h system.Handle) ([]byte, []system.Handle) {
	t.Helper()
	_, err := s.Core().Wait(context.Background(), h, waiter.SignalReadable, testTimeout)
	require.NoError(t, err)
	payload, handles, err := s.Core().ReadMessage(h, system.NoLimit, system.NoLimit, system.ReadMessageFlagNone)
	require.NoError(t, err)
	return payload, handles
}

func TestGenerateConnectionIdentifier(t *testing.T) {
	a := GenerateConnectionIdentifier()
	b := GenerateConnectionIdentifier()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(string(a))
	assert.NoError(t, err)
}

func TestNewSupportValidation(t *testing.T) {
	_, err := NewMaster(nil, nil, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = NewSlave(nil, newRecordingDelegate(), embedder.PlatformHandle{}, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestMasterSlaveHandshake(t *testing.T) {
	c := connectTestProcesses(t, config.Default())

	assert.Equal(t, ProcessIdentifierMaster, c.master.ProcessID())
	assert.Equal(t, ProcessIdentifier(2), c.conn.ProcessID)
	assert.Equal(t, c.conn.ProcessID, c.slave.ProcessID())

	require.NoError(t, c.master.Core().WriteMessage(c.masterPipe, []byte("hello slave"), nil, system.WriteMessageFlagNone))
	payload, _ := readMessage(t, c.slave, c.slavePipe)
	assert.Equal(t, "hello slave", string(payload))

	require.NoError(t, c.slave.Core().WriteMessage(c.slavePipe, []byte("hello master"), nil, system.WriteMessageFlagNone))
	payload, _ = readMessage(t, c.master, c.masterPipe)
	assert.Equal(t, "hello master", string(payload))

	stats := c.master.Stats()
	assert.Equal(t, "master", stats.ProcessType)
	assert.Equal(t, 1, stats.Slaves)
	assert.Equal(t, 1, stats.Channels)
	assert.Contains(t, c.slave.String(), "slave")
}

func TestConnectToMasterWaitsForHandshake(t *testing.T) {
	toSlave, toMaster := createTestBootstrapPair(t)
	master, _ := createTestMaster(t, config.Default())
	slave, _ := createTestSlave(t, config.Default(), toMaster)
	connID := GenerateConnectionIdentifier()

	type result struct {
		h   embedder.PlatformHandle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := slave.ConnectToMaster(context.Background(), connID)
		done <- result{h, err}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := master.ConnectToSlave(context.Background(), connID, nil, toSlave)
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.h.IsValid())
		r.h.Close()
	case <-time.After(testTimeout):
		t.Fatal("ConnectToMaster did not return")
	}
}

func TestConnectToMasterTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.IPC.HandshakeTimeout = 50 * time.Millisecond
	_, toMaster := createTestBootstrapPair(t)
	slave, _ := createTestSlave(t, cfg, toMaster)

	_, err := slave.ConnectToMaster(context.Background(), "never-sent")
	assert.True(t, types.IsErrCode(err, types.ErrCodeTimeout), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = slave.ConnectToMaster(ctx, "never-sent")
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled), "got %v", err)
}

func TestProcessTypeRestrictions(t *testing.T) {
	master, _ := createTestMaster(t, config.Default())
	_, err := master.ConnectToMaster(context.Background(), "x")
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))

	toSlave, toMaster := createTestBootstrapPair(t)
	slave, _ := createTestSlave(t, config.Default(), toMaster)
	_, err = slave.ConnectToSlave(context.Background(), "x", nil, toSlave)
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))

	_, err = slave.ConnectToMaster(context.Background(), "")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestSlaveDiesBeforeHandshake(t *testing.T) {
	toSlave, toMaster := createTestBootstrapPair(t)
	master, d := createTestMaster(t, config.Default())

	require.NoError(t, toMaster.Close())
	conn, err := master.ConnectToSlave(context.Background(), GenerateConnectionIdentifier(), "dead-slave", toSlave)
	require.NoError(t, err)

	assert.Equal(t, "dead-slave", d.waitSlave(t))
	_, err = master.Core().Wait(context.Background(), conn.MessagePipe, waiter.SignalPeerClosed, testTimeout)
	assert.NoError(t, err)
	assert.Equal(t, 0, master.Stats().Slaves)
}

func TestSlaveDiesWithHandshakeUnread(t *testing.T) {
	toSlave, toMaster := createTestBootstrapPair(t)
	master, d := createTestMaster(t, config.Default())

	_, err := master.ConnectToSlave(context.Background(), GenerateConnectionIdentifier(), 7, toSlave)
	require.NoError(t, err)

	// Closing the unread socket releases the channel end in flight
	require.NoError(t, toMaster.Close())
	assert.Equal(t, 7, d.waitSlave(t))
}

func TestMasterDiesBeforeHandshake(t *testing.T) {
	toSlave, toMaster := createTestBootstrapPair(t)
	slave, d := createTestSlave(t, config.Default(), toMaster)

	require.NoError(t, toSlave.Close())
	d.waitMaster(t)

	_, err := slave.ConnectToMaster(context.Background(), GenerateConnectionIdentifier())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable), "got %v", err)
}

func TestMasterShutdownDisconnectsSlave(t *testing.T) {
	c := connectTestProcesses(t, config.Default())

	require.NoError(t, c.master.Shutdown(context.Background()))
	c.slaveD.waitMaster(t)

	_, err := c.slave.Core().Wait(context.Background(), c.slavePipe, waiter.SignalPeerClosed, testTimeout)
	assert.NoError(t, err)
	select {
	case <-c.masterD.slaves:
		t.Fatal("master reported a slave disconnect during its own shutdown")
	default:
	}
}

func TestSlaveShutdownDisconnectsMaster(t *testing.T) {
	c := connectTestProcesses(t, config.Default())

	require.NoError(t, c.slave.Shutdown(context.Background()))
	assert.Equal(t, "slave-1", c.masterD.waitSlave(t))
	assert.Equal(t, 0, c.master.Stats().Slaves)

	_, err := c.master.Core().Wait(context.Background(), c.masterPipe, waiter.SignalPeerClosed, testTimeout)
	assert.NoError(t, err)
}

func TestTransferMessagePipeBetweenProcesses(t *testing.T) {
	c := connectTestProcesses(t, config.Default())
	core := c.master.Core()

	local, remote, err := core.CreateMessagePipe()
	require.NoError(t, err)
	require.NoError(t, core.WriteMessage(c.masterPipe, []byte("take this"), []system.Handle{remote}, system.WriteMessageFlagNone))

	payload, handles := readMessage(t, c.slave, c.slavePipe)
	assert.Equal(t, "take this", string(payload))
	require.Len(t, handles, 1)

	require.NoError(t, c.slave.Core().WriteMessage(handles[0], []byte("via transferred pipe"), nil, system.WriteMessageFlagNone))
	payload, _ = readMessage(t, c.master, local)
	assert.Equal(t, "via transferred pipe", string(payload))
}

func TestShutdown(t *testing.T) {
	master, err := NewMaster(nil, newRecordingDelegate(), logger.NewNop())
	require.NoError(t, err)

	_, _, err = master.Core().CreateMessagePipe()
	require.NoError(t, err)

	// The embedder may run ShutdownOnIOThread itself; Shutdown then only
	// stops the loop
	var first, second error
	require.NoError(t, master.loop.PostAndWait(context.Background(), func() {
		first = master.ShutdownOnIOThread()
		second = master.ShutdownOnIOThread()
	}))
	assert.NoError(t, first)
	assert.True(t, types.IsErrCode(second, types.ErrCodeUnavailable))
	assert.Equal(t, 0, master.Stats().Handles)

	require.NoError(t, master.Shutdown(context.Background()))
	err = master.Shutdown(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))

	toSlave, _ := createTestBootstrapPair(t)
	_, err = master.ConnectToSlave(context.Background(), "late", nil, toSlave)
	assert.Error(t, err)
}

func TestGlobal(t *testing.T) {
	prev := Global()
	t.Cleanup(func() { SetGlobal(prev) })

	master, _ := createTestMaster(t, config.Default())
	SetGlobal(master)
	assert.Same(t, master, Global())
}
