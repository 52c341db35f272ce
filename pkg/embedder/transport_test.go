package embedder

import (
	"io"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/billm/baaaht/ipcore/pkg/types"
)

func createTestTransportPair(t *testing.T) (Transport, Transport) {
	t.Helper()
	pair, err := NewPlatformChannelPair()
	require.NoError(t, err)

	a, err := NewUnixTransport(pair.PassServerHandle())
	require.NoError(t, err)
	b, err := NewUnixTransport(pair.PassClientHandle())
	require.NoError(t, err)
	require.NoError(t, pair.Close())

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func readFull(t *testing.T, tr Transport, n int) ([]byte, []PlatformHandle) {
	t.Helper()
	buf := make([]byte, n)
	var handles []PlatformHandle
	got := 0
	for got < n {
		m, hs, err := tr.Read(buf[got:])
		require.NoError(t, err)
		handles = append(handles, hs...)
		got += m
	}
	return buf, handles
}

func TestUnixTransportBytes(t *testing.T) {
	a, b := createTestTransportPair(t)
	assert.True(t, a.SupportsHandles())

	require.NoError(t, a.Write([]byte("hello"), nil))
	data, handles := readFull(t, b, 5)
	assert.Equal(t, "hello", string(data))
	assert.Empty(t, handles)
}

func TestUnixTransportHandles(t *testing.T) {
	a, b := createTestTransportPair(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	h, err := HandleFromFile(w)
	require.NoError(t, err)
	w.Close()

	require.NoError(t, a.Write([]byte("x"), []PlatformHandle{h}))

	data, handles := readFull(t, b, 1)
	assert.Equal(t, "x", string(data))
	require.Len(t, handles, 1)
	require.True(t, handles[0].IsValid())

	// The received descriptor is the write end of the pipe
	f := handles[0].ToFile("received")
	_, err = f.Write([]byte("via fd"))
	require.NoError(t, err)
	f.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "via fd", string(got))
}

func TestUnixTransportEOF(t *testing.T) {
	a, b := createTestTransportPair(t)
	require.NoError(t, a.Close())

	buf := make([]byte, 8)
	_, _, err := b.Read(buf)
	require.Error(t, err)
	assert.True(t, IsClosedError(err))
}

func TestUnixTransportPeerReset(t *testing.T) {
	a, b := createTestTransportPair(t)

	// Closing a socket with unread data resets the connection
	require.NoError(t, a.Write([]byte("never read"), nil))
	require.NoError(t, b.Close())

	buf := make([]byte, 8)
	n, handles, err := a.Read(buf)
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Nil(t, handles)
	assert.True(t, IsClosedError(err))
}

func TestUnixTransportTruncatedRights(t *testing.T) {
	pair, err := NewPlatformChannelPair()
	require.NoError(t, err)
	defer pair.Close()

	raw := pair.PassServerHandle()
	defer raw.Close()
	tr, err := NewUnixTransport(pair.PassClientHandle())
	require.NoError(t, err)
	defer tr.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fds := make([]int, maxHandlesPerRead+8)
	for i := range fds {
		fds[i] = int(w.Fd())
	}
	require.NoError(t, unix.Sendmsg(raw.FD(), []byte("x"), unix.UnixRights(fds...), nil, 0))

	buf := make([]byte, 8)
	_, handles, err := tr.Read(buf)
	require.Error(t, err)
	assert.Nil(t, handles)
	assert.True(t, types.IsErrCode(err, types.ErrCodeResourceExhausted))
}

func TestStreamTransportDropsHandles(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewStreamTransport(c1)
	b := NewStreamTransport(c2)
	defer a.Close()
	defer b.Close()
	assert.False(t, a.SupportsHandles())

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	h, err := HandleFromFile(w)
	require.NoError(t, err)
	w.Close()

	go func() {
		a.Write([]byte("abc"), []PlatformHandle{h})
	}()

	data, handles := readFull(t, b, 3)
	assert.Equal(t, "abc", string(data))
	assert.Empty(t, handles)

	// Every write end is now closed, so the read end sees EOF
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPlatformHandle(t *testing.T) {
	var zero PlatformHandle
	assert.False(t, zero.IsValid())
	assert.Equal(t, -1, zero.FD())
	assert.NoError(t, zero.Close())
	assert.Nil(t, zero.ToFile("nothing"))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	h, err := HandleFromFile(r)
	require.NoError(t, err)
	dup, err := h.Duplicate()
	require.NoError(t, err)
	assert.NotEqual(t, h.FD(), dup.FD())

	require.NoError(t, h.Close())
	assert.False(t, h.IsValid())
	require.NoError(t, dup.Close())
}
