package kverrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsByKind(t *testing.T) {
	base := New(Rollback, "txn.Commit", "conflict on key %x", []byte("k1"))
	wrapped := fmt.Errorf("apply: %w", base)

	require.True(t, errors.Is(wrapped, KindOf(Rollback)))
	require.False(t, errors.Is(wrapped, KindOf(TimedOut)))

	kind, ok := KindOfErr(wrapped)
	require.True(t, ok)
	require.Equal(t, Rollback, kind)
}

func TestWrapAnnotations(t *testing.T) {
	cause := errors.New("short read")
	err := Wrap(IO, "volume.readPage", cause).WithVolume("orders").WithTree("accounts")

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "orders")
	require.Contains(t, err.Error(), "accounts")
	require.Contains(t, err.Error(), "io")
}
