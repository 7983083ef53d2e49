package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine labelled with name for pprof and stores the name in
// its context.
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Group runs named goroutines that share one context. The first goroutine to
// return a non-nil error cancels the context with that error as the cause.
//
//	g, ctx := groutine.NewGroup(parent)
//	g.Go("ble-to-tty", func(ctx context.Context) error { ... })
//	g.Go("tty-to-ble", func(ctx context.Context) error { ... })
//	err := g.Wait()
type Group struct {
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	once sync.Once
	err  error
}

// NewGroup returns a Group and the context its goroutines run with.
func NewGroup(parent context.Context) (*Group, context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Group{cancel: cancel}, ctx
}

// Go runs fn in a named goroutine.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	Go(ctx, name, func(ctx context.Context) {
		defer g.wg.Done()
		if err := fn(ctx); err != nil {
			g.Stop(err)
		}
	})
}

// Stop cancels the group's context with cause. The first cause is the one
// Wait returns.
func (g *Group) Stop(cause error) {
	g.once.Do(func() {
		g.err = cause
		g.cancel(cause)
	})
}

// Wait blocks until every goroutine returned and reports the first cause.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.cancel(nil)
	return g.err
}
