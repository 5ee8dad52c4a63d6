package async

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerIsolatesFailures(t *testing.T) {
	runner := NewRunner(discardLogger())
	var ran atomic.Int32

	assert.True(t, runner.Go("ok", func() error { ran.Add(1); return nil }))
	assert.True(t, runner.Go("fail", func() error { ran.Add(1); return errors.New("boom") }))
	assert.True(t, runner.Go("panic", func() error { ran.Add(1); panic("kaboom") }))

	require.NoError(t, runner.Close(context.Background()))
	assert.Equal(t, int32(3), ran.Load())
	assert.False(t, runner.Go("late", func() error { return nil }))
}

func TestRunnerCloseHonoursContext(t *testing.T) {
	runner := NewRunner(discardLogger())
	release := make(chan struct{})
	defer close(release)

	runner.Go("slow", func() error { <-release; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, runner.Close(ctx), context.DeadlineExceeded)
}
