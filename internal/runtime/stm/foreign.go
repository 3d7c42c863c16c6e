package stm

import (
	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
)

// CallbackToken identifies an EnterCallbackCall for the matching
// LeaveCallbackCall.
type CallbackToken int

const (
	// CallbackOutermost is returned to the entry that registered the
	// calling thread; its leave unregisters it.
	CallbackOutermost CallbackToken = iota + 1
	// CallbackNested is returned to reentries.
	CallbackNested
)

func (t CallbackToken) String() string {
	switch t {
	case CallbackOutermost:
		return "outermost"
	case CallbackNested:
		return "nested"
	default:
		return "invalid"
	}
}

// foreignThread is the state of a goroutine that entered through
// EnterCallbackCall. frames records, per open entry, whether that entry
// started the transaction.
type foreignThread struct {
	tl     *ThreadLocal
	frames []bool
}

// EnterCallbackCall brackets a call into transactional code from code that
// is not (a foreign callback). The calling goroutine is registered on first
// entry. On return an inevitable transaction is running: a new one if none
// was, otherwise the running one, promoted.
func (e *Engine) EnterCallbackCall() (*ThreadLocal, CallbackToken) {
	gid := goroutineID()

	e.foreignMu.Lock()
	ft, ok := e.foreign[gid]
	tok := CallbackNested
	if !ok {
		ft = &foreignThread{tl: e.RegisterThread()}
		e.foreign[gid] = ft
		tok = CallbackOutermost
	}
	e.foreignMu.Unlock()

	tl := ft.tl
	started := false
	if tl.tx == nil {
		tl.Begin()
		started = true
	}
	tl.tx.BecomeInevitable("callback")
	ft.frames = append(ft.frames, started)
	return tl, tok
}

// LeaveCallbackCall closes the matching EnterCallbackCall. The transaction
// commits if that entry started it, and the outermost leave unregisters the
// goroutine.
func (e *Engine) LeaveCallbackCall(tok CallbackToken) {
	gid := goroutineID()

	e.foreignMu.Lock()
	ft, ok := e.foreign[gid]
	e.foreignMu.Unlock()
	if !ok || len(ft.frames) == 0 {
		stmerrors.Fatal("CALLBACK_NOT_ENTERED", "leave without a matching enter on goroutine %d", gid)
	}

	n := len(ft.frames) - 1
	started := ft.frames[n]
	ft.frames = ft.frames[:n]
	if (tok == CallbackOutermost) != (n == 0) {
		stmerrors.Fatal("CALLBACK_TOKEN_MISMATCH", "%s token used at depth %d", tok, n)
	}

	tl := ft.tl
	if started && tl.tx != nil {
		if err := tl.tx.Commit(); err != nil {
			stmerrors.Fatal("CALLBACK_COMMIT", "inevitable commit failed: %v", err)
		}
	}
	if tok == CallbackOutermost {
		if tl.tx != nil {
			stmerrors.Fatal("TRANSACTION_ACTIVE", "outermost callback left with a transaction it did not start")
		}
		e.foreignMu.Lock()
		delete(e.foreign, gid)
		e.foreignMu.Unlock()
		tl.Unregister()
	}
}
