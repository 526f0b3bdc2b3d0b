package convert

import (
	"testing"

	"github.com/brensch/gozero/game"
	"github.com/stretchr/testify/require"
)

func history(moves ...string) []*game.Position {
	p := game.NewPosition(game.DefaultKomi)
	out := []*game.Position{p}
	for _, m := range moves {
		c, err := game.ParseCoord(m)
		if err != nil {
			panic(err)
		}
		p = p.PlayMove(c)
		out = append([]*game.Position{p}, out...)
	}
	return out
}

func at(buf []float32, plane int, c game.Coord) float32 {
	return buf[plane*Width*Height+int(c)]
}

func TestEncodeIdentity(t *testing.T) {
	// Black E5, white C3, black D4: white to play.
	h := history("E5", "C3", "D4")
	buf := make([]float32, FloatSize)
	Encode(h, Identity, buf)

	e5, _ := game.ParseCoord("E5")
	c3, _ := game.ParseCoord("C3")
	d4, _ := game.ParseCoord("D4")

	// White to play: own stones are white.
	require.Equal(t, float32(1), at(buf, 0, c3))
	require.Equal(t, float32(1), at(buf, 1, e5))
	require.Equal(t, float32(1), at(buf, 1, d4))
	// One ply ago D4 was not on the board yet.
	require.Equal(t, float32(0), at(buf, 3, d4))
	require.Equal(t, float32(1), at(buf, 3, e5))
	// History beyond the start of the game stays empty.
	for plane := 8; plane < 16; plane++ {
		require.Equal(t, float32(0), at(buf, plane, e5))
	}
	// To-play plane is zero for white.
	require.Equal(t, float32(0), at(buf, 16, 0))

	black := history("E5", "C3")
	Encode(black, Identity, buf)
	require.Equal(t, float32(1), at(buf, 16, 40))
	require.Equal(t, float32(1), at(buf, 0, e5))
}

func TestSymmetryRoundTrip(t *testing.T) {
	for s := Symmetry(0); s < NumSymmetries; s++ {
		seen := map[game.Coord]bool{}
		for i := 0; i < game.NumPoints; i++ {
			c := game.Coord(i)
			moved := s.Apply(c)
			require.True(t, moved.OnBoard())
			seen[moved] = true
			require.Equal(t, c, inverse(s).Apply(moved), "symmetry %d point %s", s, c)
		}
		require.Len(t, seen, game.NumPoints, "symmetry %d is not a permutation", s)
		require.Equal(t, game.Pass, s.Apply(game.Pass))
	}
}

func TestSymmetriesAreDistinct(t *testing.T) {
	corner := game.CoordAt(0, 1)
	images := map[game.Coord]bool{}
	for s := Symmetry(0); s < NumSymmetries; s++ {
		images[s.Apply(corner)] = true
	}
	require.Len(t, images, NumSymmetries)
}

func TestInversePolicyMatchesFeatures(t *testing.T) {
	h := history("A9", "J1")
	a9, _ := game.ParseCoord("A9")
	buf := make([]float32, FloatSize)
	for s := Symmetry(0); s < NumSymmetries; s++ {
		Encode(h, s, buf)

		// A network that puts all policy mass where black's stone appears in
		// its input should, mapped back, point at A9.
		policy := make([]float32, PolicySize)
		copy(policy, buf[0:game.NumPoints])
		policy[game.Pass] = 0.5

		out := make([]float32, PolicySize)
		InversePolicy(s, policy, out)
		require.Equal(t, float32(1), out[a9], "symmetry %d", s)
		require.Equal(t, float32(0.5), out[game.Pass])
	}
}

func BenchmarkEncode(b *testing.B) {
	h := history("E5", "C3", "D4", "F6", "G7", "C7", "G3", "E3")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ptr := EncodeToPool(h, Symmetry(i%NumSymmetries))
		PutFloatBuffer(ptr)
	}
}

// inverse returns the symmetry that undoes s. Rotations by 90 and 270 swap;
// everything else is an involution.
func inverse(s Symmetry) Symmetry {
	switch s {
	case Rot90:
		return Rot270
	case Rot270:
		return Rot90
	}
	return s
}
