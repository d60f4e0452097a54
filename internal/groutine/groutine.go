// Package groutine starts goroutines carrying a pprof name label, so the
// machine loop, update loop and link monitors are told apart in profiles.
package groutine

import (
	"context"
	"runtime/pprof"
)

// Go starts fn on a goroutine labelled name and returns a channel closed when fn returns.
//
//	done := groutine.Go(ctx, "coyote-machine", func(ctx context.Context) {
//	    // work
//	})
//	<-done
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	done := make(chan struct{})
	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})

	return done
}
