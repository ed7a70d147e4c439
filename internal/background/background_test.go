package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinWaitsForAllScheduledTasks(t *testing.T) {
	g := New(4, nil)
	var completed int32
	for i := 0; i < 10; i++ {
		g.Go(context.Background(), func(ctx context.Context) error {
			atomic.AddInt32(&completed, 1)
			return nil
		})
	}
	err := g.Join(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 10, completed)
}

func TestJoinPropagatesTaskErrors(t *testing.T) {
	g := New(2, nil)
	g.Go(context.Background(), func(ctx context.Context) error { return nil })
	g.Go(context.Background(), func(ctx context.Context) error { return errors.New("boom") })

	err := g.Join(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestGoRespectsConcurrencyLimit(t *testing.T) {
	g := New(1, nil)
	var running int32
	var maxObserved int32
	for i := 0; i < 5; i++ {
		g.Go(context.Background(), func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			if n > atomic.LoadInt32(&maxObserved) {
				atomic.StoreInt32(&maxObserved, n)
			}
			atomic.AddInt32(&running, -1)
			return nil
		})
	}
	require.NoError(t, g.Join(context.Background()))
	assert.LessOrEqual(t, maxObserved, int32(1))
}
