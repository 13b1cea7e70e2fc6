package monoerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	e := New(CodeNamespaceNotFound, "no such collection")
	env := e.ToEnvelope()
	require.Equal(t, float64(0), env.Ok)
	require.Equal(t, int32(26), env.Code)
	require.Equal(t, "NamespaceNotFound", env.CodeName)
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrap(CodeInternalError, "flush failed", cause)
	require.ErrorIs(t, e, cause)
}

func TestAs(t *testing.T) {
	var err error = New(CodeDuplicateKey, "dup")
	me, ok := As(err)
	require.True(t, ok)
	require.Equal(t, CodeDuplicateKey, me.Code)
}
