package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualDrainRunsInOrder(t *testing.T) {
	var q Manual
	var got []int

	q.Post(func() { got = append(got, 1) })
	q.Post(func() {
		got = append(got, 2)
		q.Post(func() { got = append(got, 4) })
	})
	q.Post(func() { got = append(got, 3) })

	assert.Equal(t, 3, q.Pending())
	assert.Equal(t, 4, q.Drain())
	assert.Equal(t, []int{1, 2, 3, 4}, got)
	assert.Zero(t, q.Pending())
}

func TestCallDeliversOutcome(t *testing.T) {
	var q Manual
	var outcome *Outcome[string]

	Call(&q, Inline{}, nil, func(ctx context.Context) (string, error) {
		return "ok", nil
	}, func(o Outcome[string]) {
		outcome = &o
	})

	require.Nil(t, outcome, "completion must wait for the queue")
	q.Drain()
	require.NotNil(t, outcome)
	assert.Equal(t, "ok", outcome.Value)
	assert.NoError(t, outcome.Err)
}

func TestCallDropsCancelledOutcome(t *testing.T) {
	var q Manual
	token := NewToken(context.Background())
	delivered := false
	var workCtx context.Context

	Call(&q, Inline{}, token, func(ctx context.Context) (int, error) {
		workCtx = ctx
		return 0, errors.New("boom")
	}, func(o Outcome[int]) {
		delivered = true
	})

	token.Cancel()
	q.Drain()

	assert.False(t, delivered)
	assert.False(t, token.Alive())
	assert.ErrorIs(t, workCtx.Err(), context.Canceled)
}

func TestNilTokenIsAlive(t *testing.T) {
	var token *Token
	assert.True(t, token.Alive())
}

func TestLoopRunsPostedTasks(t *testing.T) {
	loop := NewLoop(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.ErrorIs(t, loop.Run(ctx), context.Canceled)
	}()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		loop.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	ran := false
	require.NoError(t, loop.Do(ctx, func() { ran = true }))
	assert.True(t, ran)

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	mu.Unlock()

	cancel()
	wg.Wait()
}

func TestLoopDoHonoursContext(t *testing.T) {
	loop := NewLoop(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Nobody runs the loop, so Do can only return through ctx.
	err := loop.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenDiesWithParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	token := NewToken(parent)
	require.True(t, token.Alive())

	cancel()
	assert.False(t, token.Alive())
}

func TestAcquiredContextFollowsToken(t *testing.T) {
	t.Run("release leaves the token alive", func(t *testing.T) {
		token := NewToken(context.Background())
		ctx, release := token.Acquire()
		require.NoError(t, ctx.Err())

		release()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
		assert.True(t, token.Alive())

		// The token can guard further work after a release.
		next, releaseNext := token.Acquire()
		defer releaseNext()
		assert.NoError(t, next.Err())
	})

	t.Run("cancel reaches work in flight", func(t *testing.T) {
		token := NewToken(context.Background())
		ctx, release := token.Acquire()
		defer release()

		token.Cancel()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatal("acquired context outlived its token")
		}
	})

	t.Run("parent cancel reaches work in flight", func(t *testing.T) {
		parent, cancel := context.WithCancel(context.Background())
		token := NewToken(parent)
		ctx, release := token.Acquire()
		defer release()

		cancel()
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})

	t.Run("nil token", func(t *testing.T) {
		var token *Token
		ctx, release := token.Acquire()
		assert.NoError(t, ctx.Err())
		release()
		assert.Error(t, ctx.Err())
	})
}

func TestCallReleasesWorkContextBeforeDelivery(t *testing.T) {
	var q Manual
	token := NewToken(context.Background())
	var workCtx context.Context
	delivered := false

	Call(&q, Inline{}, token, func(ctx context.Context) (int, error) {
		workCtx = ctx
		return 1, nil
	}, func(o Outcome[int]) {
		delivered = true
	})

	assert.Error(t, workCtx.Err())
	q.Drain()
	assert.True(t, delivered)
	assert.True(t, token.Alive())
}
