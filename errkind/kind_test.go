package errkind_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/rv64os/storage/errkind"
)

func TestKind_BareIsComparable(t *testing.T) {
	var err error = errkind.NotFound
	require.ErrorIs(t, err, errkind.NotFound)
	require.NotErrorIs(t, err, errkind.Busy)
}

func TestKind_WithMessagePreservesCause(t *testing.T) {
	err := errkind.NotFound.WithMessage(`no entry "trek"`)
	require.ErrorIs(t, err, errkind.NotFound)
	require.Contains(t, err.Error(), "trek")
}

func TestKind_WrapNilReturnsBareKind(t *testing.T) {
	err := errkind.IOError.Wrap(nil)
	require.Equal(t, errkind.IOError, err)
}

func TestKind_WrapPreservesCauseText(t *testing.T) {
	cause := errors.New("short transfer")
	err := errkind.IOError.Wrap(cause)
	require.ErrorIs(t, err, errkind.IOError)
	require.Contains(t, err.Error(), "short transfer")
}
