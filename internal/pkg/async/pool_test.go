package async

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExecutesAllTasks(t *testing.T) {
	pool := NewPool[int](3)

	var tasks []Task[int]
	for i := 0; i < 10; i++ {
		n := i
		tasks = append(tasks, Task[int]{
			Name:    fmt.Sprintf("task-%d", n),
			Execute: func(context.Context) (int, error) { return n * n, nil },
		})
	}

	results := pool.Execute(context.Background(), tasks)
	require.Len(t, results, 10)
	assert.Equal(t, 49, results["task-7"].Data)
	assert.NoError(t, results["task-7"].Err)

	// The pool is reusable.
	results = pool.Execute(context.Background(), tasks[:2])
	assert.Len(t, results, 2)
}

func TestPoolLimitsConcurrency(t *testing.T) {
	pool := NewPool[struct{}](2)
	var running, peak atomic.Int32

	var tasks []Task[struct{}]
	for i := 0; i < 8; i++ {
		tasks = append(tasks, Task[struct{}]{
			Name: fmt.Sprintf("t%d", i),
			Execute: func(context.Context) (struct{}, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return struct{}{}, nil
			},
		})
	}

	results := pool.Execute(context.Background(), tasks)
	assert.Len(t, results, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	pool := NewPool[string](2)
	results := pool.Execute(context.Background(), []Task[string]{
		{Name: "ok", Execute: func(context.Context) (string, error) { return "fine", nil }},
		{Name: "fail", Execute: func(context.Context) (string, error) { return "", errors.New("boom") }},
		{Name: "panic", Execute: func(context.Context) (string, error) { panic("kaboom") }},
	})

	require.Len(t, results, 3)
	assert.Equal(t, "fine", results["ok"].Data)
	assert.EqualError(t, results["fail"].Err, "boom")
	assert.ErrorContains(t, results["panic"].Err, "kaboom")
}
