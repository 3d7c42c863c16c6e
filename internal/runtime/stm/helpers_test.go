package stm

import (
	"testing"

	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
	"github.com/stretchr/testify/require"
)

// testCollector reads layouts from word 1: the number of reference slots in
// the high half and of data words in the low half. Reference slots start at
// word 2 and data follows them.
type testCollector struct{}

func (testCollector) SizeRoundedUp(obj Object) uintptr {
	d := obj.Word(1)
	return objSize(int(d>>32), int(d&0xffffffff))
}

func (testCollector) Trace(obj Object, visit func(word int)) {
	n := int(obj.Word(1) >> 32)
	for i := 0; i < n; i++ {
		visit(2 + i)
	}
}

func layout(nrefs, ndata int) uint64 { return uint64(nrefs)<<32 | uint64(ndata) }

func objSize(nrefs, ndata int) uintptr { return uintptr(8 * (2 + nrefs + ndata)) }

// dataWord is the index of data word i of an object with nrefs slots.
func dataWord(nrefs, i int) int { return 2 + nrefs + i }

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithArenaSize(1 << 20), WithArenaReserve(64 << 20)}
	e, err := New(testCollector{}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func register(t *testing.T, e *Engine) *ThreadLocal {
	t.Helper()
	tl := e.RegisterThread()
	t.Cleanup(func() {
		if tl.registered && tl.tx == nil {
			tl.Unregister()
		}
	})
	return tl
}

// prebuilt allocates a rooted object whose data words hold data.
func prebuilt(t *testing.T, e *Engine, nrefs int, data ...uint64) Ref {
	t.Helper()
	r, err := e.AllocPrebuilt(objSize(nrefs, len(data)), func(w []uint64) {
		w[1] = layout(nrefs, len(data))
		copy(w[dataWord(nrefs, 0):], data)
	})
	require.NoError(t, err)
	return r
}

// newObject allocates an object and writes its layout.
func newObject(tx *Txn, nrefs, ndata int) Ref {
	r := tx.Alloc(objSize(nrefs, ndata))
	tx.Store(r, 1, layout(nrefs, ndata))
	return r
}

func newWeakref(tx *Txn, target Ref) Ref {
	w := tx.AllocWeakref(objSize(1, 0), target)
	tx.Store(w, 1, layout(1, 0))
	return w
}

func load(t *testing.T, tl *ThreadLocal, r Ref, word int) uint64 {
	t.Helper()
	var v uint64
	require.NoError(t, tl.Atomically(func(tx *Txn) error {
		v = tx.Load(r, word)
		return nil
	}))
	return v
}

// requireFatal runs fn and checks that it raises the contract violation code.
func requireFatal(t *testing.T, code string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected %s", code)
		require.True(t, stmerrors.IsContract(r), "panic %v is not a contract violation", r)
		require.Equal(t, code, r.(*stmerrors.StandardError).Code)
	}()
	fn()
}
