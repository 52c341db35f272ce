package system

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/types"
	"github.com/billm/baaaht/ipcore/pkg/waiter"
)

func TestLocalMessagePipeWakesReader(t *testing.T) {
	p := NewLocalMessagePipe(logger.NewNop())

	w := waiter.New()
	_, err := p.AddAwakable(1, w, waiter.SignalReadable, 42)
	require.NoError(t, err)

	require.NoError(t, p.WriteMessage(0, []byte("ping"), nil))
	ctx, err := w.Wait(waiter.DeadlinePoll)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ctx)

	state := p.RemoveAwakable(1, w)
	assert.True(t, state.Satisfies(waiter.SignalReadable))

	payload, attachments, err := p.ReadMessage(1, NoLimit, NoLimit, false)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(payload))
	assert.Empty(t, attachments)
}

func TestLocalMessagePipeCloseWakesPeer(t *testing.T) {
	p := NewLocalMessagePipe(logger.NewNop())

	w := waiter.New()
	_, err := p.AddAwakable(1, w, waiter.SignalWritable, 0)
	require.ErrorIs(t, err, types.ErrAlreadyExists)
	_, err = p.AddAwakable(1, w, waiter.SignalReadable, 0)
	require.NoError(t, err)

	p.Close(0)
	p.Close(0)
	_, err = w.Wait(waiter.DeadlinePoll)
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))

	state := p.State(1)
	assert.Equal(t, waiter.SignalPeerClosed, state.Satisfied)
	assert.Equal(t, waiter.SignalPeerClosed, state.Satisfiable)
	assert.Equal(t, waiter.HandleSignalsState{}, p.State(0))

	_, err = p.AddAwakable(0, waiter.New(), waiter.SignalReadable, 0)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestLocalProxyMessagePipePrequeues(t *testing.T) {
	p, ep := NewLocalProxyMessagePipe(logger.NewNop())

	require.NoError(t, p.WriteMessage(0, []byte("1"), nil))
	require.NoError(t, p.WriteMessage(0, []byte("2"), nil))
	assert.Equal(t, 2, ep.PrequeueLen())
	assert.False(t, ep.IsAttached())

	err := p.WriteMessage(1, []byte("x"), nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	p.Close(0)
	assert.Contains(t, p.String(), "closed")
}

func TestConvertLocalToProxyKeepsUnread(t *testing.T) {
	p := NewLocalMessagePipe(logger.NewNop())
	require.NoError(t, p.WriteMessage(0, []byte("a"), nil))
	require.NoError(t, p.WriteMessage(0, []byte("b"), nil))

	ep, err := p.convertLocalToProxy(1)
	require.NoError(t, err)
	assert.Equal(t, 2, ep.PrequeueLen())

	// Writes after the conversion follow the unread messages
	require.NoError(t, p.WriteMessage(0, []byte("c"), nil))
	assert.Equal(t, 3, ep.PrequeueLen())

	_, err = p.convertLocalToProxy(1)
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
	assert.Equal(t, "proxy", portProxy.String())
}
