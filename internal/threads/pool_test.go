package threads

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfuse/objectfuse/internal/config"
	"github.com/objectfuse/objectfuse/internal/request"
)

func newRequestPool(t *testing.T, size int) *request.Pool {
	t.Helper()

	cfg := &config.ServiceConfig{
		RequestTimeout:     time.Second,
		MaxTransferRetries: 1,
	}

	p, err := request.NewPool("test", size, func(tag string) *request.Request {
		return request.New(tag, nil, cfg, nil)
	})
	require.NoError(t, err)

	return p
}

func TestCallReturnsStatus(t *testing.T) {
	pool := NewPool("test", 2, newRequestPool(t, 2))
	defer pool.Terminate()

	status := pool.Call(func(r *request.Request) int {
		require.NotNil(t, r)
		return -5
	})

	assert.Equal(t, -5, status)
}

func TestPostWaitConcurrent(t *testing.T) {
	pool := NewPool("test", 4, newRequestPool(t, 4))
	defer pool.Terminate()

	handles := make([]*Handle, 16)
	for i := range handles {
		i := i
		handles[i] = pool.Post(func(r *request.Request) int {
			return i
		})
	}

	for i, h := range handles {
		assert.Equal(t, i, h.Wait())
	}
}

func TestFIFODispatchOrder(t *testing.T) {
	// one worker: tasks must start in submission order
	pool := NewPool("test", 1, newRequestPool(t, 1))
	defer pool.Terminate()

	var mu sync.Mutex
	var order []int

	handles := make([]*Handle, 8)
	for i := range handles {
		i := i
		handles[i] = pool.Post(func(r *request.Request) int {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return 0
		})
	}

	for _, h := range handles {
		h.Wait()
	}

	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestTerminateDrainsPending(t *testing.T) {
	pool := NewPool("test", 1, newRequestPool(t, 1))

	block := make(chan struct{})
	var done int
	var mu sync.Mutex

	first := pool.Post(func(r *request.Request) int {
		<-block
		return 0
	})

	second := pool.Post(func(r *request.Request) int {
		mu.Lock()
		done++
		mu.Unlock()
		return 0
	})

	terminated := make(chan struct{})
	go func() {
		close(block)
		pool.Terminate()
		close(terminated)
	}()

	assert.Equal(t, 0, first.Wait())
	assert.Equal(t, 0, second.Wait())

	<-terminated

	mu.Lock()
	assert.Equal(t, 1, done)
	mu.Unlock()

	// posting after terminate yields an interrupted handle
	late := pool.Post(func(r *request.Request) int { return 0 })
	assert.Equal(t, StatusInterrupted, late.Wait())
}

func TestCallAsyncFireAndForget(t *testing.T) {
	pool := NewPool("test", 2, newRequestPool(t, 2))
	defer pool.Terminate()

	done := make(chan struct{})
	pool.CallAsync(func(r *request.Request) int {
		close(done)
		return 0
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async task never ran")
	}
}
