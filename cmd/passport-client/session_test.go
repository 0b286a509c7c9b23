package main

import (
	"context"
	"testing"
	"time"

	"github.com/ruteri/secure-values/passport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBufferKeepsOrder(t *testing.T) {
	b := newEventBuffer()
	b.push(passport.Event{Kind: passport.EventFormReady})
	b.push(passport.Event{Kind: passport.EventSecretReady})

	ctx := context.Background()
	ev, err := b.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, passport.EventFormReady, ev.Kind)
	ev, err = b.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, passport.EventSecretReady, ev.Kind)
}

func TestEventBufferWakesReader(t *testing.T) {
	b := newEventBuffer()
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.push(passport.Event{Kind: passport.EventSubmitted})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := b.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, passport.EventSubmitted, ev.Kind)
}

func TestEventBufferHonoursContext(t *testing.T) {
	b := newEventBuffer()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
