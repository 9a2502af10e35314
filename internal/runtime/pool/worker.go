package pool

import (
	"context"
	"fmt"
	"strings"
)

// Worker identifies the goroutine executing a task.
type Worker struct {
	Name string
	Pool string
}

type workerKey struct{}

// WorkerNameFor formats the name of the index-th worker of a pool.
func WorkerNameFor(pool string, index int) string {
	return fmt.Sprintf("%s.%02d", pool, index)
}

// WithWorker marks ctx as running on a goroutine called name that does not
// belong to any pool, for example the caller of a flow.
func WithWorker(ctx context.Context, name string) context.Context {
	return withWorker(ctx, &Worker{Name: name})
}

func withWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerKey{}, w)
}

// WorkerFrom returns the worker recorded in ctx.
func WorkerFrom(ctx context.Context) (*Worker, bool) {
	if ctx == nil {
		return nil, false
	}
	w, ok := ctx.Value(workerKey{}).(*Worker)
	return w, ok && w != nil
}

// CarryWorker returns dst marked with the worker recorded in src. When src has
// no worker the result has none either, even if dst had one.
func CarryWorker(dst, src context.Context) context.Context {
	w, _ := WorkerFrom(src)
	return withWorker(dst, w)
}

// WorkerName returns the worker name recorded in ctx, or "" when ctx is not
// running on a named goroutine.
func WorkerName(ctx context.Context) string {
	if w, ok := WorkerFrom(ctx); ok {
		return w.Name
	}
	return ""
}

// InPool reports whether ctx runs on a worker of the named pool.
func InPool(ctx context.Context, pool string) bool {
	w, ok := WorkerFrom(ctx)
	return ok && pool != "" && w.Pool == pool
}

// HasPrefix reports whether the worker running ctx carries the given name
// prefix.
func HasPrefix(ctx context.Context, prefix string) bool {
	return strings.HasPrefix(WorkerName(ctx), prefix)
}
