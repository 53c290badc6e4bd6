package leader

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

var (
	nodeA1 = peer.ID("validator-a1")
	nodeA2 = peer.ID("validator-a2")
	nodeB1 = peer.ID("validator-b1")
	nodeC1 = peer.ID("validator-c1")
)

func TestNewRegionRotation(t *testing.T) {
	t.Run("empty rotation list", func(t *testing.T) {
		_, err := NewRegionRotation(nil)
		require.EqualError(t, err, "empty region rotation list")
	})

	t.Run("empty region name", func(t *testing.T) {
		_, err := NewRegionRotation([]string{"A", ""})
		require.EqualError(t, err, "empty region name in the rotation list")
	})

	t.Run("duplicate region", func(t *testing.T) {
		_, err := NewRegionRotation([]string{"A", "B", "A"})
		require.EqualError(t, err, `duplicate region "A" in the rotation list`)
	})

	t.Run("ok", func(t *testing.T) {
		rr, err := NewRegionRotation([]string{"A", "B"})
		require.NoError(t, err)
		require.Equal(t, []string{"A", "B"}, rr.Rotation())
	})
}

func Test_RegionRotation_Register(t *testing.T) {
	t.Run("unknown region", func(t *testing.T) {
		rr, err := NewRegionRotation([]string{"A"})
		require.NoError(t, err)
		err = rr.Register("mars", nodeA1)
		require.ErrorIs(t, err, ErrInvalidRegion)
		require.EqualError(t, err, `region "mars": unknown region`)
	})

	t.Run("empty identifier", func(t *testing.T) {
		rr, err := NewRegionRotation([]string{"A"})
		require.NoError(t, err)
		err = rr.Register("A", "")
		require.ErrorIs(t, err, ErrInvalidValidator)
	})

	t.Run("re-registration keeps the original position", func(t *testing.T) {
		rr, err := NewRegionRotation([]string{"A"})
		require.NoError(t, err)
		require.NoError(t, rr.Register("A", nodeA1))
		require.NoError(t, rr.Register("A", nodeA2))
		require.NoError(t, rr.Register("A", nodeA1))
		require.Equal(t, []peer.ID{nodeA1, nodeA2}, rr.Participants(0))
	})

	t.Run("registration moves the validator between regions", func(t *testing.T) {
		rr, err := NewRegionRotation([]string{"A", "B"})
		require.NoError(t, err)
		require.NoError(t, rr.Register("A", nodeA1))
		require.NoError(t, rr.Register("B", nodeA1))
		require.Equal(t, []peer.ID{nodeA1}, rr.Participants(0))

		idx, ok := rr.IsParticipant(0, nodeA1)
		require.True(t, ok)
		require.Equal(t, 0, idx)
	})
}

func Test_RegionRotation_Remove(t *testing.T) {
	rr, err := NewRegionRotation([]string{"A"})
	require.NoError(t, err)
	require.NoError(t, rr.Register("A", nodeA1))

	t.Run("unknown region", func(t *testing.T) {
		require.ErrorIs(t, rr.Remove("mars", nodeA1), ErrInvalidRegion)
	})

	t.Run("absent validator is a no-op", func(t *testing.T) {
		require.NoError(t, rr.Remove("A", nodeA2))
		require.Equal(t, []peer.ID{nodeA1}, rr.Participants(0))
	})

	t.Run("removes", func(t *testing.T) {
		require.NoError(t, rr.Remove("A", nodeA1))
		require.Nil(t, rr.Participants(0))
		require.NoError(t, rr.Remove("A", nodeA1))
	})
}

func Test_RegionRotation_Leader(t *testing.T) {
	t.Run("empty registry has no leader", func(t *testing.T) {
		rr, err := NewRegionRotation([]string{"A", "B"})
		require.NoError(t, err)
		_, ok := rr.Leader(0, 0)
		require.False(t, ok)
	})

	t.Run("single region rotates by round", func(t *testing.T) {
		rr, err := NewRegionRotation([]string{"A"})
		require.NoError(t, err)
		require.NoError(t, rr.Register("A", nodeA1))
		require.NoError(t, rr.Register("A", nodeA2))

		for round, want := range []peer.ID{nodeA1, nodeA2, nodeA1, nodeA2} {
			got, ok := rr.Leader(uint64(round), 0)
			require.True(t, ok)
			require.Equal(t, want, got, "round %d", round)
		}
	})

	t.Run("empty region in the middle is always skipped", func(t *testing.T) {
		rr, err := NewRegionRotation([]string{"A", "B", "C"})
		require.NoError(t, err)
		require.NoError(t, rr.Register("A", nodeA1))
		require.NoError(t, rr.Register("C", nodeC1))

		for round, want := range []peer.ID{nodeA1, nodeC1, nodeA1, nodeC1, nodeA1, nodeC1} {
			got, ok := rr.Leader(uint64(round), 0)
			require.True(t, ok)
			require.Equal(t, want, got, "round %d", round)
		}
	})

	t.Run("region emptied by removal is skipped", func(t *testing.T) {
		rr, err := NewRegionRotation([]string{"A", "B", "C"})
		require.NoError(t, err)
		require.NoError(t, rr.Register("A", nodeA1))
		require.NoError(t, rr.Register("B", nodeB1))
		require.NoError(t, rr.Register("C", nodeC1))

		got, ok := rr.Leader(0, 0)
		require.True(t, ok)
		require.Equal(t, nodeA1, got)

		// the cursor now points at B, emptying it must not stall the rotation
		require.NoError(t, rr.Remove("B", nodeB1))
		got, ok = rr.Leader(1, 0)
		require.True(t, ok)
		require.Equal(t, nodeC1, got)
	})

	t.Run("seed does not influence selection", func(t *testing.T) {
		rr, err := NewRegionRotation([]string{"A"})
		require.NoError(t, err)
		require.NoError(t, rr.Register("A", nodeA1))
		require.NoError(t, rr.Register("A", nodeA2))

		a, ok := rr.Leader(4, 0)
		require.True(t, ok)
		b, ok := rr.Leader(4, 12345)
		require.True(t, ok)
		require.Equal(t, a, b)
	})
}

func Test_RegionRotation_Participants(t *testing.T) {
	rr, err := NewRegionRotation([]string{"A", "B", "C"})
	require.NoError(t, err)
	require.Nil(t, rr.Participants(0))

	// registration order within a region, rotation order across regions
	require.NoError(t, rr.Register("C", nodeC1))
	require.NoError(t, rr.Register("A", nodeA2))
	require.NoError(t, rr.Register("A", nodeA1))

	want := []peer.ID{nodeA2, nodeA1, nodeC1}
	require.Equal(t, want, rr.Participants(0))
	require.Equal(t, want, rr.Participants(7), "participant set does not depend on the round")
}

func Test_RegionRotation_IsParticipant(t *testing.T) {
	rr, err := NewRegionRotation([]string{"A", "B"})
	require.NoError(t, err)
	require.NoError(t, rr.Register("A", nodeA1))
	require.NoError(t, rr.Register("B", nodeB1))

	idx, ok := rr.IsParticipant(0, nodeA1)
	require.True(t, ok)
	require.Equal(t, 0, idx)

	idx, ok = rr.IsParticipant(0, nodeB1)
	require.True(t, ok)
	require.Equal(t, 1, idx)

	_, ok = rr.IsParticipant(0, nodeC1)
	require.False(t, ok)
}
