package tick

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop(16)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoop_PostRunsInOrder(t *testing.T) {
	t.Parallel()
	l := startLoop(t)

	var got []int
	for i := range 5 {
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	// Do выполняется после всех ранее поставленных задач.
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	t.Parallel()
	l := startLoop(t)

	require.NoError(t, l.Post(func() { panic("boom") }))
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoop_AfterFiresOnLoop(t *testing.T) {
	t.Parallel()
	l := startLoop(t)

	fired := make(chan struct{})
	l.After(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Eventually(t, func() bool { return l.PendingTimers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLoop_AfterCancel(t *testing.T) {
	t.Parallel()
	l := startLoop(t)

	var mu sync.Mutex
	fired := false
	cancel := l.After(20*time.Millisecond, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	assert.Equal(t, 1, l.PendingTimers())
	cancel()
	assert.Zero(t, l.PendingTimers())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, l.Do(context.Background(), func() {}))
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
}

func TestLoop_Stopped(t *testing.T) {
	t.Parallel()
	l := NewLoop(0)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	l.After(time.Hour, func() {})
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	assert.ErrorIs(t, l.Post(func() {}), ErrStopped)
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrStopped)
	assert.Zero(t, l.PendingTimers())
}

func TestLoop_DoRespectsContext(t *testing.T) {
	t.Parallel()
	l := startLoop(t)

	release := make(chan struct{})
	require.NoError(t, l.Post(func() { <-release }))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Do(ctx, func() {}), context.DeadlineExceeded)
}
