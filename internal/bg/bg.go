// Package bg runs didmesh's background work: the renewal loop and the agent
// server.
//
// Work goes through a Group so shutdown can wait for work in flight.
package bg

import (
	"context"
	"sync"
)

// Runner executes functions, either synchronously or asynchronously.
type Runner interface {
	Do(fn func())
}

// Group runs functions on a Runner and tracks them until they return.
type Group struct {
	runner Runner
	wg     sync.WaitGroup
}

// NewGroup returns a Group on r. A nil r means Async.
func NewGroup(r Runner) *Group {
	if r == nil {
		r = Async{}
	}
	return &Group{runner: r}
}

// Go runs fn on the group's Runner.
func (g *Group) Go(fn func()) {
	g.wg.Add(1)
	g.runner.Do(func() {
		defer g.wg.Done()
		fn()
	})
}

// Wait blocks until every function started with Go has returned, or ctx is
// done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
