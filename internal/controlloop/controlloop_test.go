package controlloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPerformsInitialPassBeforeScheduling(t *testing.T) {
	var calls int32
	run := func(ctx context.Context, force bool) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	loop := New(run, 15, logger.New("controlloop-test"))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, loop.Run(ctx, false))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRunPropagatesInitialRunError(t *testing.T) {
	wantErr := errors.New("boom")
	run := func(ctx context.Context, force bool) error {
		return wantErr
	}

	loop := New(run, 15, logger.New("controlloop-test"))
	err := loop.Run(context.Background(), false)
	assert.Error(t, err)
}

func TestContextCancellationEndsInitialRun(t *testing.T) {
	started := make(chan struct{})
	run := func(ctx context.Context, force bool) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	loop := New(run, 15, logger.New("controlloop-test"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx, false) }()

	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return promptly after context cancellation")
	}
}
