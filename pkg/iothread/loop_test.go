package iothread

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/types"
)

func createTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(logger.NewNop(), 16)
	require.NoError(t, err)
	t.Cleanup(l.Stop)
	return l
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := createTestLoop(t)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, l.PostAndWait(context.Background(), func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopNestedPostRunsAfterCurrentTask(t *testing.T) {
	l := createTestLoop(t)

	var order []string
	done := make(chan struct{})
	require.NoError(t, l.Post(func() {
		require.NoError(t, l.Post(func() {
			order = append(order, "nested")
			close(done)
		}))
		order = append(order, "outer")
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested task did not run")
	}
	assert.Equal(t, []string{"outer", "nested"}, order)
}

func TestLoopStop(t *testing.T) {
	l, err := New(logger.NewNop(), 4)
	require.NoError(t, err)

	ran := false
	require.NoError(t, l.Post(func() { ran = true }))
	l.Stop()
	assert.True(t, ran, "queued task should run before Stop returns")

	err = l.Post(func() {})
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))

	// Second stop is a no-op
	l.Stop()

	s := l.Stats()
	assert.Equal(t, uint64(1), s.Posted)
	assert.Equal(t, uint64(1), s.Executed)
	assert.Equal(t, 0, s.Pending)
}

func TestLoopPostAndWaitCanceled(t *testing.T) {
	l := createTestLoop(t)

	release := make(chan struct{})
	require.NoError(t, l.Post(func() { <-release }))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.PostAndWait(ctx, func() {})
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
}

func TestLoopPostThrottledBlocksAtHighWater(t *testing.T) {
	l, err := New(logger.NewNop(), 2)
	require.NoError(t, err)
	t.Cleanup(l.Stop)

	var mu sync.Mutex
	var order []int
	record := func(i int) func() {
		return func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, l.Post(func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, l.Post(record(1)))
	require.NoError(t, l.Post(record(2)))

	posted := make(chan error, 1)
	go func() { posted <- l.PostThrottled(nil, record(3)) }()

	select {
	case <-posted:
		t.Fatal("PostThrottled returned while the backlog was at the high water mark")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, l.Stats().Pending)

	close(release)
	select {
	case err := <-posted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("PostThrottled did not resume after the loop drained")
	}
	require.NoError(t, l.PostAndWait(context.Background(), func() {}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, uint64(1), l.Stats().Throttled)
}

func TestLoopPostThrottledAfterStop(t *testing.T) {
	l, err := New(logger.NewNop(), 1)
	require.NoError(t, err)
	l.Stop()

	err = l.PostThrottled(nil, func() {})
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestLoopPostThrottledAbandoned(t *testing.T) {
	l, err := New(logger.NewNop(), 1)
	require.NoError(t, err)
	t.Cleanup(l.Stop)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	require.NoError(t, l.Post(func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, l.Post(func() {}))

	done := make(chan struct{})
	close(done)
	err = l.PostThrottled(done, func() {})
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
	assert.Equal(t, 1, l.Stats().Pending)
}

func TestNewLoopValidation(t *testing.T) {
	_, err := New(logger.NewNop(), 0)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	l := createTestLoop(t)
	err = l.Post(nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}
