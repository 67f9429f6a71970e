package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/therenovatio/teleton-agent-sub000/internal/errors"
)

func TestChatQueue_FIFOPerKey(t *testing.T) {
	q := New(0, zap.NewNop())

	var mu sync.Mutex
	var order []int
	var inFlight, maxInFlight int32

	var handles []*Handle
	for i := 0; i < 20; i++ {
		i := i
		h, err := q.Enqueue("chat", func(ctx context.Context) error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}

	expected := make([]int, 20)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestChatQueue_KeysRunConcurrently(t *testing.T) {
	q := New(0, zap.NewNop())

	release := make(chan struct{})
	started := make(chan string, 2)

	for _, key := range []string{"a", "b"} {
		key := key
		_, err := q.Enqueue(key, func(ctx context.Context) error {
			started <- key
			<-release
			return nil
		})
		require.NoError(t, err)
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case k := <-started:
			got[k] = true
		case <-time.After(2 * time.Second):
			t.Fatal("second key blocked behind first")
		}
	}
	close(release)
	assert.True(t, got["a"] && got["b"])
	require.NoError(t, q.Drain(context.Background()))
}

func TestChatQueue_FailureDoesNotBlockChain(t *testing.T) {
	q := New(0, zap.NewNop())
	boom := errors.New("boom")

	h1, err := q.Enqueue("chat", func(ctx context.Context) error { return boom })
	require.NoError(t, err)
	h2, err := q.Enqueue("chat", func(ctx context.Context) error { panic("kaboom") })
	require.NoError(t, err)

	ran := false
	h3, err := q.Enqueue("chat", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, h1.Wait(context.Background()), boom)
	assert.ErrorContains(t, h2.Wait(context.Background()), "panicked")
	assert.NoError(t, h3.Wait(context.Background()))
	assert.True(t, ran)
}

func TestChatQueue_GarbageCollectsEmptyChains(t *testing.T) {
	q := New(0, zap.NewNop())

	for i := 0; i < 50; i++ {
		h, err := q.Enqueue("chat-"+string(rune('a'+i%26))+string(rune('0'+i/26)), func(ctx context.Context) error { return nil })
		require.NoError(t, err)
		require.NoError(t, h.Wait(context.Background()))
	}

	require.Eventually(t, func() bool {
		keys, _ := q.Stats()
		return keys == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, q.ActiveKeys())
}

func TestChatQueue_DrainWaitsAndRejects(t *testing.T) {
	q := New(0, zap.NewNop())

	var finished int32
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue("chat", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&finished, 1)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&finished))

	_, err := q.Enqueue("chat", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrQueueClosed)
}

func TestChatQueue_DrainTimeoutCancelsTasks(t *testing.T) {
	q := New(0, zap.NewNop())

	cancelled := make(chan struct{})
	_, err := q.Enqueue("chat", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Drain(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight task not cancelled after drain timeout")
	}
}
