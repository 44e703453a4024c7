package conc

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watchdesk/watchdesk/pkg/logger"
)

func TestGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})

	Go(func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}
}

func TestPoolSubmit(t *testing.T) {
	p, err := NewPool(4, logger.Nop())
	require.NoError(t, err)
	defer p.Release()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()

	assert.Equal(t, int32(32), count.Load())
}

func TestPoolPanicDoesNotKillPool(t *testing.T) {
	p, err := NewPool(2, logger.Nop())
	require.NoError(t, err)
	defer p.Release()

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(func() {
		defer wg.Done()
		panic("worker boom")
	}))
	wg.Wait()

	// 池在 panic 后仍可用
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool unusable after panic")
	}
}
