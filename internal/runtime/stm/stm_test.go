package stm

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/orizon-lang/orizon-stm/internal/runtime/stm/stmlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSTM_Basic(t *testing.T) {
	e := newEngine(t)
	tl := register(t, e)

	var obj Ref
	require.NoError(t, tl.Atomically(func(tx *Txn) error {
		obj = newObject(tx, 0, 2)
		assert.True(t, obj.IsYoung())
		tx.Store(obj, dataWord(0, 0), 42)
		tx.Store(obj, dataWord(0, 1), 43)
		assert.Equal(t, uint64(42), tx.Load(obj, dataWord(0, 0)))
		tl.Push(obj)
		return nil
	}))
	obj = tl.Pop()
	assert.False(t, obj.IsYoung(), "commit promotes rooted young objects")
	assert.Equal(t, Committed, tl.State())
	assert.Nil(t, tl.Current())

	assert.Equal(t, uint64(42), load(t, tl, obj, dataWord(0, 0)))
	assert.Equal(t, uint64(43), load(t, tl, obj, dataWord(0, 1)))
	assert.Equal(t, uint64(1), e.Clock())
	require.NoError(t, e.CheckHeap())
}

func TestSTM_Concurrent(t *testing.T) {
	e := newEngine(t)
	counter := prebuilt(t, e, 0, 0)

	const n, incs = 8, 500
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			tl := e.RegisterThread()
			defer tl.Unregister()
			for j := 0; j < incs; j++ {
				err := tl.Atomically(func(tx *Txn) error {
					v := tx.Load(counter, dataWord(0, 0))
					tx.Store(counter, dataWord(0, 0), v+1)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := e.Stats()
	assert.Equal(t, uint64(n*incs), st.Commits)
	assert.Equal(t, st.Conflicts, st.Aborts)
	assert.Equal(t, uint64(n*incs), st.Clock)

	tl := register(t, e)
	assert.Equal(t, uint64(n*incs), load(t, tl, counter, dataWord(0, 0)))
	require.NoError(t, e.CheckHeap())
}

func TestSTM_BankTransfersStaySerializable(t *testing.T) {
	e := newEngine(t, WithSegments(4))
	const accounts, initial = 16, 1000
	bank := make([]Ref, accounts)
	for i := range bank {
		bank[i] = prebuilt(t, e, 0, initial)
	}
	balance := dataWord(0, 0)

	var g errgroup.Group
	for w := 0; w < 6; w++ {
		seed := uint64(w)
		g.Go(func() error {
			tl := e.RegisterThread()
			defer tl.Unregister()
			rng := rand.New(rand.NewPCG(seed, 7))
			for i := 0; i < 300; i++ {
				from, to := rng.IntN(accounts), rng.IntN(accounts)
				amount := uint64(rng.IntN(50))
				err := tl.Atomically(func(tx *Txn) error {
					a := tx.Load(bank[from], balance)
					if a < amount {
						return nil
					}
					tx.Store(bank[from], balance, a-amount)
					tx.Store(bank[to], balance, tx.Load(bank[to], balance)+amount)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		tl := e.RegisterThread()
		defer tl.Unregister()
		for i := 0; i < 100; i++ {
			err := tl.Atomically(func(tx *Txn) error {
				var sum uint64
				for _, acc := range bank {
					sum += tx.Load(acc, balance)
				}
				if sum != accounts*initial {
					return errors.New("audit saw a partial transfer")
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
}

func TestSTM_AbortLeavesNoPartialWrites(t *testing.T) {
	e := newEngine(t)
	tl := register(t, e)
	obj := prebuilt(t, e, 0, 1, 2)

	errBoom := errors.New("boom")
	err := tl.Atomically(func(tx *Txn) error {
		tx.Store(obj, dataWord(0, 0), 10)
		tx.Store(obj, dataWord(0, 1), 20)
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, Aborted, tl.State())
	assert.Equal(t, uint64(1), load(t, tl, obj, dataWord(0, 0)))
	assert.Equal(t, uint64(2), load(t, tl, obj, dataWord(0, 1)))

	tx := tl.Begin()
	tx.Store(obj, dataWord(0, 0), 99)
	tl.Push(obj)
	tx.Abort()
	assert.Equal(t, Aborted, tx.State())
	assert.Zero(t, tl.Depth(), "abort restores the shadow stack")
	assert.Equal(t, uint64(1), load(t, tl, obj, dataWord(0, 0)))
	assert.Equal(t, uint64(0), e.Clock(), "read-only commits do not advance the clock")
}

func TestSTM_ConflictingCommitAborts(t *testing.T) {
	e := newEngine(t, WithSegments(2))
	tl1 := register(t, e)
	tl2 := register(t, e)
	obj := prebuilt(t, e, 0, 5)
	slot := dataWord(0, 0)

	tx1 := tl1.Begin()
	tx1.Store(obj, slot, tx1.Load(obj, slot)+100)
	aborted := 0
	tl1.CallOnAbort("undo", func(any) { aborted++ })

	tx2 := tl2.Begin()
	assert.NotEqual(t, tx1.Segment(), tx2.Segment())
	tx2.Store(obj, slot, tx2.Load(obj, slot)+1)
	require.NoError(t, tx2.Commit())

	err := tx1.Commit()
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, Aborted, tl1.State())
	assert.Equal(t, 1, aborted)
	assert.Equal(t, uint64(6), load(t, tl2, obj, slot))
	assert.Equal(t, uint64(1), e.Stats().Conflicts)
}

func TestSTM_StaleReadAborts(t *testing.T) {
	e := newEngine(t, WithSegments(2))
	tl1 := register(t, e)
	tl2 := register(t, e)
	obj := prebuilt(t, e, 0, 5)
	slot := dataWord(0, 0)

	tx1 := tl1.Begin()
	require.NoError(t, tl2.Atomically(func(tx *Txn) error {
		tx.Store(obj, slot, 6)
		return nil
	}))

	err := tx1.Try(func(tx *Txn) error {
		tx.Load(obj, slot)
		t.Error("read past a newer commit")
		return nil
	})
	require.ErrorIs(t, err, ErrConflict)
	assert.Nil(t, tl1.Current())
	assert.Equal(t, Aborted, tl1.State())
}

func TestSTM_RetryLimit(t *testing.T) {
	e := newEngine(t, WithSegments(2))
	tl1 := register(t, e)
	tl2 := register(t, e)
	obj := prebuilt(t, e, 0, 0)
	slot := dataWord(0, 0)

	attempts := 0
	err := tl1.Atomically(func(tx *Txn) error {
		attempts++
		tx.Store(obj, slot, tx.Load(obj, slot)+1)
		// a concurrent writer commits before every attempt does
		return tl2.Atomically(func(tx *Txn) error {
			tx.Store(obj, slot, tx.Load(obj, slot)+10)
			return nil
		})
	}, WithMaxRetries(3))
	require.ErrorIs(t, err, ErrTooManyRetries)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, uint64(30), load(t, tl1, obj, slot))
}

func TestSTM_InevitableAfterRetries(t *testing.T) {
	e := newEngine(t, WithSegments(2))
	tl1 := register(t, e)
	tl2 := register(t, e)
	obj := prebuilt(t, e, 0, 0)
	slot := dataWord(0, 0)

	attempts := 0
	err := tl1.Atomically(func(tx *Txn) error {
		attempts++
		tx.Store(obj, slot, tx.Load(obj, slot)+1)
		if tx.IsInevitable() {
			return nil
		}
		return tl2.Atomically(func(tx *Txn) error {
			tx.Store(obj, slot, tx.Load(obj, slot)+10)
			return nil
		})
	}, WithInevitableAfter(2))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, uint64(21), load(t, tl1, obj, slot))
	assert.Equal(t, uint64(1), e.Stats().InevitableCommits)
}

func TestSTM_InevitableErrorStillCommits(t *testing.T) {
	e := newEngine(t)
	tl := register(t, e)
	obj := prebuilt(t, e, 0, 0)

	errBoom := errors.New("boom")
	tx := tl.Begin()
	err := tx.Try(func(tx *Txn) error {
		tx.BecomeInevitable("write(2)")
		tx.Store(obj, dataWord(0, 0), 7)
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, Committed, tl.State())
	assert.Equal(t, uint64(7), load(t, tl, obj, dataWord(0, 0)))
}

func TestSTM_ExplicitAbortIsReported(t *testing.T) {
	e := newEngine(t)
	tl := register(t, e)
	obj := prebuilt(t, e, 0, 1)
	slot := dataWord(0, 0)

	attempts := 0
	err := tl.Atomically(func(tx *Txn) error {
		attempts++
		tx.Store(obj, slot, 99)
		tx.Abort()
		return nil
	})
	require.ErrorIs(t, err, ErrAborted)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, attempts, "an explicit abort is not retried")
	assert.Equal(t, Aborted, tl.State())
	assert.Equal(t, uint64(1), load(t, tl, obj, slot))

	// committing from inside fn is still a success
	require.NoError(t, tl.Atomically(func(tx *Txn) error {
		tx.Store(obj, slot, 2)
		return tx.Commit()
	}))
	assert.Equal(t, uint64(2), load(t, tl, obj, slot))
}

func TestSTM_PanicEndsTransaction(t *testing.T) {
	e := newEngine(t, WithSegments(2))
	tl1 := register(t, e)
	tl2 := register(t, e)
	obj := prebuilt(t, e, 0, 0)
	slot := dataWord(0, 0)

	assert.PanicsWithValue(t, "boom", func() {
		_ = tl1.Atomically(func(tx *Txn) error {
			tx.Store(obj, slot, 3)
			panic("boom")
		})
	})
	assert.Equal(t, Aborted, tl1.State())
	assert.Equal(t, uint64(0), load(t, tl1, obj, slot))

	assert.PanicsWithValue(t, "boom", func() {
		_ = tl1.Atomically(func(tx *Txn) error {
			tx.BecomeInevitable("io")
			tx.Store(obj, slot, 5)
			panic("boom")
		})
	})
	assert.Equal(t, Committed, tl1.State(), "an inevitable transaction commits when fn panics")
	assert.Nil(t, tl1.Current())
	assert.Zero(t, e.Stats().SegmentsInUse)

	finished := make(chan error, 1)
	go func() {
		finished <- tl2.Atomically(func(tx *Txn) error {
			tx.Store(obj, slot, tx.Load(obj, slot)+1)
			return nil
		})
	}()
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit still waits for the panicked inevitable transaction")
	}
	assert.Equal(t, uint64(6), load(t, tl1, obj, slot))
}

func TestSTM_AbortInevitableIsFatal(t *testing.T) {
	e := newEngine(t)
	tl := register(t, e)

	tx := tl.Begin()
	tx.BecomeInevitable("test")
	requireFatal(t, "ABORT_INEVITABLE", tx.Abort)
	require.NoError(t, tx.Commit())
}

func TestSTM_BeginTwiceIsFatal(t *testing.T) {
	e := newEngine(t)
	tl := register(t, e)

	tx := tl.Begin()
	requireFatal(t, "TRANSACTION_ACTIVE", func() { tl.Begin() })
	requireFatal(t, "TRANSACTION_ACTIVE", tl.Unregister)
	require.NoError(t, tx.Commit())
	requireFatal(t, "NO_TRANSACTION", func() { tx.Load(Ref(16), 1) })
}

func TestSTM_EventLog(t *testing.T) {
	var buf bytes.Buffer
	log := stmlog.New(&buf, stmlog.Options{Debug: true, NoTime: true})
	e := newEngine(t, WithEventLog(log))
	tl := register(t, e)
	obj := prebuilt(t, e, 0, 0)

	require.NoError(t, tl.Atomically(func(tx *Txn) error {
		tx.Store(obj, dataWord(0, 0), 1)
		return nil
	}))
	require.Error(t, tl.Atomically(func(tx *Txn) error {
		return errors.New("rolled back")
	}))
	tl.CollectMajor()
	require.NoError(t, log.Close())

	tally := stmlog.Tally{}
	rd := stmlog.NewReader(&buf)
	first := true
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if first {
			_, err := stmlog.CheckHeader(rec, "^1.0.0")
			require.NoError(t, err)
			first = false
		}
		tally.Add(rec)
	}
	assert.Equal(t, uint64(2), tally[stmlog.TransactionStart])
	assert.Equal(t, uint64(1), tally[stmlog.TransactionCommit])
	assert.Equal(t, uint64(1), tally[stmlog.TransactionAbort])
	assert.Equal(t, uint64(1), tally[stmlog.PrivateCopy])
	assert.Equal(t, uint64(1), tally[stmlog.MajorCollectStart])
	assert.Equal(t, uint64(1), tally[stmlog.MajorCollectDone])
	assert.Equal(t, uint64(1), tally[stmlog.Summary])
}

func TestRef_String(t *testing.T) {
	assert.Equal(t, "null", Null.String())
	assert.Equal(t, "old(0x40)", Ref(64).String())
	y := youngRef(3, 0x80)
	assert.True(t, y.IsYoung())
	assert.Equal(t, 3, y.segment())
	assert.Equal(t, uintptr(0x80), y.offset())
	assert.Equal(t, "young(3:0x80)", y.String())
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		Inactive:   "INACTIVE",
		Running:    "RUNNING",
		Inevitable: "INEVITABLE",
		Committed:  "COMMITTED",
		Aborted:    "ABORTED",
		State(42):  "UNKNOWN",
	} {
		assert.Equal(t, want, s.String())
	}
}
