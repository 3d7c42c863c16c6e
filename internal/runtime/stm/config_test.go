package stm

import (
	"errors"
	"testing"

	stmerrors "github.com/orizon-lang/orizon-stm/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	cases := map[string]Option{
		"Segments":              WithSegments(0),
		"NurserySize":           WithNurserySize(12),
		"ArenaSize":             WithArenaSize(8),
		"ArenaReserve":          WithArenaReserve(1 << 10),
		"LargeObjectThreshold":  WithLargeObjectThreshold(8),
		"MajorCollectionFactor": WithMajorCollectionFactor(1),
	}
	for field, opt := range cases {
		t.Run(field, func(t *testing.T) {
			_, err := New(testCollector{}, WithArenaSize(1<<20), opt)
			require.Error(t, err)
			var se *stmerrors.StandardError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, "INVALID_CONFIG", se.Code)
			assert.Equal(t, field, se.Context["field"])
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	e := newEngine(t)
	cfg := e.Config()
	def := DefaultConfig()
	assert.Equal(t, def.Segments, cfg.Segments)
	assert.Equal(t, def.NurserySize, cfg.NurserySize)
	assert.Equal(t, uintptr(1<<20), cfg.ArenaSize)

	st := e.Stats()
	assert.Equal(t, uintptr(1<<20), st.HeapSize)
	assert.Equal(t, uintptr(64<<20), st.HeapReserve)
	assert.Zero(t, st.HeapInUse)
}

func TestClose_WithRegisteredThreadIsFatal(t *testing.T) {
	e, err := New(testCollector{}, WithArenaReserve(1<<20), WithArenaSize(1<<20))
	require.NoError(t, err)
	tl := e.RegisterThread()

	func() {
		defer func() {
			r := recover()
			require.True(t, stmerrors.IsContract(r))
		}()
		_ = e.Close()
	}()

	tl.Unregister()
	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "second close is a no-op")
	requireFatal(t, "ENGINE_CLOSED", func() { e.RegisterThread() })
}

func TestObject_BadSizeIsFatal(t *testing.T) {
	e := newEngine(t)
	tl := register(t, e)

	tx := tl.Begin()
	r := tx.Alloc(24)
	tx.Store(r, 1, layout(0, 1000))
	requireFatal(t, "BAD_OBJECT_SIZE", func() { tx.IsWeakref(r); tx.WeakrefGet(r) })
	requireFatal(t, "BAD_WORD_INDEX", func() { tx.Load(r, 0) })
	requireFatal(t, "NULL_REF", func() { tx.Load(Null, 1) })
	tx.Abort()
}
