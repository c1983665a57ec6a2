package bg_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/didmesh/internal/bg"
)

func TestAsyncDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	bg.Async{}.Do(func() {
		<-release
		close(done)
	})
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async function did not run")
	}
}

func TestGroupWaitsForWork(t *testing.T) {
	g := bg.NewGroup(nil)
	release := make(chan struct{})
	var finished atomic.Int32
	for range 10 {
		g.Go(func() {
			<-release
			finished.Add(1)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, g.Wait(context.Background()))
	assert.Equal(t, int32(10), finished.Load())
}

func TestGroupWaitWithNothingStarted(t *testing.T) {
	require.NoError(t, bg.NewGroup(nil).Wait(context.Background()))
}
