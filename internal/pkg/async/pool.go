// internal/pkg/async/pool.go
package async

import (
	"context"
	"fmt"
	"sync"
)

type Task[T any] struct {
	Name    string
	Execute func(ctx context.Context) (T, error)
}

type Result[T any] struct {
	Name string
	Data T
	Err  error
}

// Pool runs batches of named tasks on a fixed number of workers.
// A Pool may be reused; every Execute call gets its own channels.
type Pool[T any] struct {
	workerCount int
}

func NewPool[T any](workerCount int) *Pool[T] {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool[T]{workerCount: workerCount}
}

func (p *Pool[T]) worker(ctx context.Context, wg *sync.WaitGroup, tasks <-chan Task[T], results chan<- Result[T]) {
	defer wg.Done()
	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				return
			}
			results <- runTask(ctx, task)
		case <-ctx.Done():
			return
		}
	}
}

func runTask[T any](ctx context.Context, task Task[T]) (result Result[T]) {
	result.Name = task.Name
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	result.Data, result.Err = task.Execute(ctx)
	return result
}

// Execute runs tasks and returns their results keyed by task name. Tasks that
// never ran because ctx was cancelled are missing from the map.
func (p *Pool[T]) Execute(ctx context.Context, tasks []Task[T]) map[string]Result[T] {
	var wg sync.WaitGroup
	results := make(map[string]Result[T], len(tasks))
	taskCh := make(chan Task[T])
	// Buffered so workers never block on a collector that gave up.
	resultCh := make(chan Result[T], len(tasks))

	// Start workers
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, taskCh, resultCh)
	}

	// Send tasks
	go func() {
		defer close(taskCh)
		for _, task := range tasks {
			select {
			case taskCh <- task:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Collect results
	for i := 0; i < len(tasks); i++ {
		select {
		case result := <-resultCh:
			results[result.Name] = result
		case <-ctx.Done():
			return results
		}
	}

	wg.Wait()
	return results
}
