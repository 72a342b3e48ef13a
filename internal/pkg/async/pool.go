// Package async runs a fixed set of named tasks on a bounded number of
// goroutines.
package async

import (
	"context"
	"fmt"
	"sync"
)

// Task is one unit of work. Name must be unique within a batch.
type Task struct {
	Name    string
	Execute func(ctx context.Context) (any, error)
}

// Result is the outcome of a Task.
type Result struct {
	Name string
	Data any
	Err  error
}

// Pool runs tasks with at most workerCount in flight.
type Pool struct {
	workerCount int
}

// NewPool creates a pool. A workerCount below one is treated as one.
func NewPool(workerCount int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{workerCount: workerCount}
}

func (p *Pool) worker(ctx context.Context, tasks <-chan Task, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()
	for task := range tasks {
		results <- run(ctx, task)
	}
}

func run(ctx context.Context, task Task) (result Result) {
	result.Name = task.Name
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}
	result.Data, result.Err = task.Execute(ctx)
	return result
}

// Execute runs every task and returns their results by name. A task that
// panics reports the panic as its error. Tasks not started before ctx is
// cancelled report ctx.Err().
func (p *Pool) Execute(ctx context.Context, tasks []Task) map[string]Result {
	taskCh := make(chan Task)
	resultCh := make(chan Result, len(tasks))
	var wg sync.WaitGroup

	workers := p.workerCount
	if workers > len(tasks) {
		workers = len(tasks)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.worker(ctx, taskCh, resultCh, &wg)
	}

	for _, task := range tasks {
		taskCh <- task
	}
	close(taskCh)
	wg.Wait()
	close(resultCh)

	results := make(map[string]Result, len(tasks))
	for result := range resultCh {
		results[result.Name] = result
	}
	return results
}
