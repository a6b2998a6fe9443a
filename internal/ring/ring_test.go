package ring_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rv64os/storage/internal/ring"
)

func TestQueue_PushChainLinksDescriptors(t *testing.T) {
	q, err := ring.New(8)
	require.NoError(t, err)
	defer q.Destroy()

	descs := []ring.Descriptor{
		{Addr: 0x1000, Len: 16, Flags: 0},
		{Addr: 0x2000, Len: 512, Flags: ring.FlagWrite},
		{Addr: 0x3000, Len: 1, Flags: ring.FlagWrite},
	}

	head := q.PushChain(descs)
	require.Equal(t, uint16(0), head)

	d0 := q.Descriptor(0)
	require.NotZero(t, d0.Flags&ring.FlagNext, "head descriptor must chain to the next")
	require.Equal(t, uint16(1), d0.Next)

	d1 := q.Descriptor(1)
	require.NotZero(t, d1.Flags&ring.FlagNext)
	require.NotZero(t, d1.Flags&ring.FlagWrite)

	d2 := q.Descriptor(2)
	require.Zero(t, d2.Flags&ring.FlagNext, "tail descriptor must not chain further")
	require.NotZero(t, d2.Flags&ring.FlagWrite)

	require.Equal(t, uint16(0), q.UsedIndex(), "used index untouched until device completes")
}

func TestQueue_PollCompletionBeforeAnyCompletionIsFalse(t *testing.T) {
	q, err := ring.New(4)
	require.NoError(t, err)
	defer q.Destroy()

	_, _, ok := q.PollCompletion()
	require.False(t, ok)
}

func TestQueue_FreeHeadWrapsAroundRingSize(t *testing.T) {
	q, err := ring.New(4)
	require.NoError(t, err)
	defer q.Destroy()

	// Three chains of 3 descriptors over a ring of size 4 must wrap.
	for i := 0; i < 3; i++ {
		head := q.PushChain([]ring.Descriptor{{Addr: uint64(i)}, {Addr: uint64(i)}, {Addr: uint64(i)}})
		require.Less(t, head, q.Size)
	}
}
