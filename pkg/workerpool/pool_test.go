package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFillsIndexedSlots(t *testing.T) {
	p := New("io", 3)
	out := make([]int, 20)
	errs := p.Run(context.Background(), len(out), func(_ context.Context, i int) error {
		out[i] = i * i
		return nil
	})
	require.Len(t, errs, 20)
	for i := range out {
		assert.NoError(t, errs[i])
		assert.Equal(t, i*i, out[i])
	}
	processed, failed := p.Stats()
	assert.Equal(t, int64(20), processed)
	assert.Zero(t, failed)
}

func TestRunBoundsConcurrency(t *testing.T) {
	p := New("cpu", 2)
	var running, peak int32
	p.Run(context.Background(), 10, func(_ context.Context, _ int) error {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestFailuresAreIsolated(t *testing.T) {
	boom := errors.New("boom")
	var mu sync.Mutex
	observed := map[int]error{}
	p := New("units", 4, WithObserver(func(pool string, i int, err error, _ time.Duration) {
		assert.Equal(t, "units", pool)
		mu.Lock()
		observed[i] = err
		mu.Unlock()
	}))

	errs := p.Run(context.Background(), 6, func(_ context.Context, i int) error {
		switch i {
		case 1:
			return boom
		case 4:
			panic("bad unit")
		}
		return nil
	})

	assert.ErrorIs(t, errs[1], boom)
	require.Error(t, errs[4])
	assert.Contains(t, errs[4].Error(), "panicked")
	for _, i := range []int{0, 2, 3, 5} {
		assert.NoError(t, errs[i])
	}
	assert.Len(t, observed, 6)
	_, failed := p.Stats()
	assert.Equal(t, int64(2), failed)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errs := New("io", 2).Run(ctx, 3, func(context.Context, int) error { return nil })
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestZeroTasksAndWorkers(t *testing.T) {
	p := New("empty", 0)
	assert.Equal(t, 1, p.Workers())
	assert.Empty(t, p.Run(context.Background(), 0, nil))
}

func TestBoundSharedAcrossRuns(t *testing.T) {
	p := New("io", 2)
	var running, peak int32
	task := func(_ context.Context, _ int) error {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	var wg sync.WaitGroup
	for u := 0; u < 4; u++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(context.Background(), 5, task)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	processed, _ := p.Stats()
	assert.Equal(t, int64(20), processed)
}
