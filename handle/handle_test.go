package handle_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rv64os/storage/errkind"
	"github.com/rv64os/storage/handle"
)

func TestClose_FiresBackingCloseOnlyOnFinalRelease(t *testing.T) {
	closes := 0
	h := handle.New(handle.VTable{
		Close: func() error { closes++; return nil },
	})
	h.AddRef() // refcnt now 2

	require.NoError(t, h.Close())
	require.Equal(t, 0, closes, "first close of two refs must not fire backing close")

	require.NoError(t, h.Close())
	require.Equal(t, 1, closes, "final close must fire backing close exactly once")
}

func TestControl_NoHandlerReturnsNotSupported(t *testing.T) {
	h := handle.New(handle.VTable{Close: func() error { return nil }})
	err := h.Control(0, nil)
	require.ErrorIs(t, err, errkind.NotSupported)
}

func TestReadWrite_NegativeLengthIsInvalidArgument(t *testing.T) {
	h := handle.New(handle.VTable{
		Close: func() error { return nil },
		Read:  func(buf []byte, n int) (int, error) { return 0, nil },
		Write: func(buf []byte, n int) (int, error) { return 0, nil },
	})

	_, err := h.Read(make([]byte, 4), -1)
	require.ErrorIs(t, err, errkind.InvalidArgument)

	_, err = h.Write(make([]byte, 4), -1)
	require.ErrorIs(t, err, errkind.InvalidArgument)
}
