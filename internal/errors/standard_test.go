package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSample = Sentinel(CategoryConflict, "SAMPLE", "sample condition")

func TestSentinelMatchesDerivedErrors(t *testing.T) {
	cause := stderrors.New("cause")
	err := errSample.With(map[string]interface{}{"n": 1}, cause)

	assert.ErrorIs(t, err, errSample)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, Sentinel(CategoryConflict, "OTHER", ""))
	assert.Contains(t, err.Error(), "[CONFLICT:SAMPLE] sample condition")
	assert.Contains(t, err.Error(), ": cause")
	assert.Empty(t, errSample.Context, "With copies the sentinel")
}

func TestFatalRaisesContractViolation(t *testing.T) {
	defer func() {
		r := recover()
		require.True(t, IsContract(r))
		se := r.(*StandardError)
		assert.Equal(t, "BROKEN", se.Code)
		assert.Equal(t, "value 3 out of range", se.Message)
		assert.Contains(t, se.Caller, "TestFatalRaisesContractViolation")
	}()
	Fatal("BROKEN", "value %d out of range", 3)
}

func TestIsContract(t *testing.T) {
	assert.False(t, IsContract(nil))
	assert.False(t, IsContract("text"))
	assert.False(t, IsContract(errSample))
	assert.False(t, IsContract(InvalidConfig("Segments", 0)))
	assert.True(t, IsContract(NewStandardError(CategoryContract, "X", "x", nil)))
}
