package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// callContextError records which facade call ran out of time or was
// interrupted.
type callContextError struct {
	Phase    string
	Kind     string
	Deadline *time.Time
	Err      error
}

func (e *callContextError) Error() string {
	if e == nil {
		return "calendar call failed"
	}
	switch e.Kind {
	case "timeout":
		if e.Deadline != nil {
			return fmt.Sprintf("%s timed out after deadline %s: %v", e.Phase, e.Deadline.Format(time.RFC3339), e.Err)
		}
		return fmt.Sprintf("%s timed out: %v", e.Phase, e.Err)
	case "canceled":
		return fmt.Sprintf("%s canceled: %v", e.Phase, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *callContextError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func annotateCallError(ctx context.Context, phase string, err error) error {
	if err == nil {
		return nil
	}
	var already *callContextError
	if errors.As(err, &already) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		var dl *time.Time
		if deadline, ok := ctx.Deadline(); ok {
			deadline = deadline.UTC()
			dl = &deadline
		}
		return &callContextError{Phase: phase, Kind: "timeout", Deadline: dl, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &callContextError{Phase: phase, Kind: "canceled", Err: err}
	}
	return err
}

func callErrorMeta(err error) map[string]any {
	var be *callContextError
	if !errors.As(err, &be) || be == nil {
		return nil
	}
	meta := map[string]any{
		"phase": be.Phase,
		"kind":  be.Kind,
	}
	if be.Deadline != nil {
		meta["deadline"] = be.Deadline.Format(time.RFC3339)
	}
	return meta
}

type timingContextKey struct{}

type timingRecorder struct {
	mu    sync.Mutex
	calls map[string]time.Duration
}

func (r *timingRecorder) add(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[name] += d
}

func recordTiming(ctx context.Context, name string, d time.Duration) {
	rec, _ := ctx.Value(timingContextKey{}).(*timingRecorder)
	if rec == nil {
		return
	}
	rec.add(name, d)
}

func callTimings(ctx context.Context) map[string]string {
	rec, _ := ctx.Value(timingContextKey{}).(*timingRecorder)
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) == 0 {
		return nil
	}
	keys := make([]string, 0, len(rec.calls))
	for k := range rec.calls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = rec.calls[k].String()
	}
	return out
}

type timeoutResult[T any] struct {
	val T
	err error
}

func withTimeout[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	ch := make(chan timeoutResult[T], 1)
	go func() {
		v, err := fn()
		ch <- timeoutResult[T]{val: v, err: err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		return res.val, res.err
	}
}

// timed runs one facade call under the command deadline, annotating
// context failures with phase and recording how long it took.
func timed[T any](ctx context.Context, phase string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := withTimeout(ctx, func() (T, error) { return fn(ctx) })
	err = annotateCallError(ctx, phase, err)
	recordTiming(ctx, phase, time.Since(start))
	return v, err
}

func timedErr(ctx context.Context, phase string, fn func(context.Context) error) error {
	_, err := timed(ctx, phase, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
