// Package worker provides a parallel worker pool for row-band pixel passes.
package worker

import (
	"context"
	"image"
	"sync"
	"time"
)

// Processor transforms one band of rows.
// Bands handed to a single Run never overlap, so implementations may write
// their band of a shared output buffer without locking.
type Processor interface {
	Process(ctx context.Context, band image.Rectangle) error
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, band image.Rectangle) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, band image.Rectangle) error {
	return f(ctx, band)
}

// Task represents a single band of rows to process.
type Task struct {
	Band  image.Rectangle
	Index int
}

// Result represents the outcome of a task.
type Result struct {
	Err     error
	Task    Task
	Elapsed time.Duration
}

// ProgressFunc is called after each task completes.
type ProgressFunc func(completed, total, failed int)

// Config configures the worker pool.
type Config struct {
	Processor  Processor
	OnProgress ProgressFunc
	Workers    int
}

// Pool runs band tasks in parallel.
type Pool struct {
	processor  Processor
	onProgress ProgressFunc
	workers    int
}

// New creates a new worker pool.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Pool{
		workers:    workers,
		processor:  cfg.Processor,
		onProgress: cfg.OnProgress,
	}
}

// Workers returns the number of goroutines Run uses.
func (p *Pool) Workers() int {
	return p.workers
}

// Run executes all tasks and returns results.
// Tasks are processed in parallel by the configured number of workers.
// The function blocks until all tasks complete or the context is cancelled.
// After cancellation, tasks already queued report the context error and the
// rest are not returned.
func (p *Pool) Run(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	taskCh := make(chan Task, len(tasks))
	resultCh := make(chan Result, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, taskCh, resultCh)
		}()
	}

	// Feed tasks
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

	results := make([]Result, 0, len(tasks))
	done := make(chan struct{})

	go func() {
		var completed, failed int
		for result := range resultCh {
			results = append(results, result)

			completed++
			if result.Err != nil {
				failed++
			}

			if p.onProgress != nil {
				p.onProgress(completed, len(tasks), failed)
			}
		}
		close(done)
	}()

	wg.Wait()
	close(resultCh)
	<-done

	return results
}

// worker processes tasks from the task channel and sends results to the result channel.
func (p *Pool) worker(ctx context.Context, tasks <-chan Task, results chan<- Result) {
	for task := range tasks {
		select {
		case <-ctx.Done():
			results <- Result{
				Task: task,
				Err:  ctx.Err(),
			}
			continue
		default:
		}

		start := time.Now()
		err := p.processor.Process(ctx, task.Band)

		results <- Result{
			Task:    task,
			Err:     err,
			Elapsed: time.Since(start),
		}
	}
}

// SplitRows divides bounds into at most n horizontal bands of near-equal height.
func SplitRows(bounds image.Rectangle, n int) []Task {
	height := bounds.Dy()
	if height <= 0 || bounds.Dx() <= 0 {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	if n > height {
		n = height
	}

	tasks := make([]Task, 0, n)
	step := height / n
	extra := height % n
	y := bounds.Min.Y
	for i := 0; i < n; i++ {
		h := step
		if i < extra {
			h++
		}
		tasks = append(tasks, Task{
			Index: i,
			Band:  image.Rect(bounds.Min.X, y, bounds.Max.X, y+h),
		})
		y += h
	}

	return tasks
}
