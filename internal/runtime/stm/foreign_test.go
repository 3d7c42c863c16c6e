package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCallbackCall_NestedEntries(t *testing.T) {
	e := newEngine(t)
	obj := prebuilt(t, e, 0, 0)
	slot := dataWord(0, 0)

	tl, tok := e.EnterCallbackCall()
	assert.Equal(t, CallbackOutermost, tok)
	tx := tl.Current()
	require.NotNil(t, tx)
	assert.True(t, tx.IsInevitable())
	tx.Store(obj, slot, 9)

	inner, tok2 := e.EnterCallbackCall()
	assert.Equal(t, CallbackNested, tok2)
	assert.Same(t, tl, inner)
	assert.Same(t, tx, inner.Current(), "reentry joins the running transaction")
	e.LeaveCallbackCall(tok2)
	assert.Same(t, tx, tl.Current())

	e.LeaveCallbackCall(tok)
	assert.Equal(t, Committed, tl.State())
	assert.Zero(t, e.Stats().Threads)

	reader := register(t, e)
	assert.Equal(t, uint64(9), load(t, reader, obj, slot))
}

func TestCallbackCall_PromotesRunningTransaction(t *testing.T) {
	e := newEngine(t)

	outer, tok := e.EnterCallbackCall()
	require.NoError(t, outer.Current().Commit())

	// a transaction started inside the bracket is promoted by a reentry and
	// committed by its owner
	tx := outer.Begin()
	_, tok2 := e.EnterCallbackCall()
	assert.True(t, tx.IsInevitable())
	e.LeaveCallbackCall(tok2)
	assert.Same(t, tx, outer.Current())
	require.NoError(t, tx.Commit())

	e.LeaveCallbackCall(tok)
	assert.Zero(t, e.Stats().Threads)
}

func TestCallbackCall_PerGoroutine(t *testing.T) {
	e := newEngine(t, WithSegments(4))
	counter := prebuilt(t, e, 0, 0)
	slot := dataWord(0, 0)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 20; j++ {
				tl, tok := e.EnterCallbackCall()
				tx := tl.Current()
				tx.Store(counter, slot, tx.Load(counter, slot)+1)
				e.LeaveCallbackCall(tok)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	tl := register(t, e)
	assert.Equal(t, uint64(80), load(t, tl, counter, slot))
	assert.Equal(t, uint64(80), e.Stats().InevitableCommits)
}

func TestCallbackCall_Misuse(t *testing.T) {
	e := newEngine(t)

	requireFatal(t, "CALLBACK_NOT_ENTERED", func() { e.LeaveCallbackCall(CallbackOutermost) })

	_, tok := e.EnterCallbackCall()
	_, tok2 := e.EnterCallbackCall()
	requireFatal(t, "CALLBACK_TOKEN_MISMATCH", func() { e.LeaveCallbackCall(tok) })
	// the mismatched leave consumed the inner frame
	e.LeaveCallbackCall(tok)
	assert.Equal(t, CallbackNested, tok2)
	assert.Zero(t, e.Stats().Threads)
}

func TestCallbackToken_String(t *testing.T) {
	assert.Equal(t, "outermost", CallbackOutermost.String())
	assert.Equal(t, "nested", CallbackNested.String())
	assert.Equal(t, "invalid", CallbackToken(0).String())
}

func TestGoroutineID(t *testing.T) {
	assert.Equal(t, int64(123), parseGoroutineID([]byte("goroutine 123 [running]:\nmain.main()")))
	assert.Equal(t, int64(7), parseGoroutineID([]byte("goroutine 7")))
	assert.Zero(t, parseGoroutineID([]byte("thread 5 [running]")))
	assert.Zero(t, parseGoroutineID(nil))

	id := goroutineID()
	assert.Positive(t, id)
	assert.Equal(t, id, goroutineID())

	other := make(chan int64)
	go func() { other <- goroutineID() }()
	assert.NotEqual(t, id, <-other)
}
