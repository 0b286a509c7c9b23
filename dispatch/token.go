package dispatch

import (
	"context"

	"go.uber.org/atomic"
)

// Token guards the delivery of asynchronous results. Cancelling it cancels
// every context acquired from it and makes every later Alive check fail, so
// results are dropped at their single delivery point.
//
// A token may guard several pieces of work in sequence. Each piece acquires
// its own context and releases it when done, so a long-lived parent does not
// accumulate one child per request.
type Token struct {
	cancelled atomic.Bool
	parent    context.Context
	done      context.Context
	cancel    context.CancelFunc
}

// NewToken creates a live token that dies with parent.
func NewToken(parent context.Context) *Token {
	// done is rooted at Background so that the token itself never registers
	// with parent; only acquired contexts do, and only until released.
	done, cancel := context.WithCancel(context.Background())
	return &Token{parent: parent, done: done, cancel: cancel}
}

// Acquire returns a context for one piece of work. It is cancelled when t or
// its parent is cancelled, and release must be called once the work ends.
// A nil token yields a context that only release cancels.
func (t *Token) Acquire() (ctx context.Context, release context.CancelFunc) {
	if t == nil {
		return context.WithCancel(context.Background())
	}
	ctx, cancel := context.WithCancel(t.parent)
	stop := context.AfterFunc(t.done, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Cancel kills t. It is safe to call more than once.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// Alive reports whether results guarded by t may still be applied. A nil
// token is always alive; cancelling the parent context kills the token.
func (t *Token) Alive() bool {
	return t == nil || (!t.cancelled.Load() && t.parent.Err() == nil)
}

// Outcome carries either a value or an error back to the coordinating
// context.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Call runs work on exec and delivers its outcome on q, unless token was
// cancelled in the meantime. The work context is released as soon as work
// returns.
func Call[T any](q Queue, exec Executor, token *Token, work func(ctx context.Context) (T, error), done func(Outcome[T])) {
	exec.Go(func() {
		ctx, release := token.Acquire()
		value, err := work(ctx)
		release()

		q.Post(func() {
			if !token.Alive() {
				return
			}
			done(Outcome[T]{Value: value, Err: err})
		})
	})
}
