package service

import (
	"context"
	"errors"
	"sync"
)

// runWorkerPool calls fn for every item on at most slots goroutines and
// joins the returned errors. Items not started before ctx ends are skipped.
func runWorkerPool[T any](ctx context.Context, slots int, items []T, fn func(context.Context, T) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if slots <= 1 || len(items) <= 1 {
		var errs []error
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			if err := fn(ctx, item); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	tasks := make(chan T)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	worker := func() {
		defer wg.Done()
		for item := range tasks {
			if ctx.Err() != nil {
				continue
			}
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}
	}
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go worker()
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		tasks <- item
	}
	close(tasks)
	wg.Wait()
	return errors.Join(errs...)
}
