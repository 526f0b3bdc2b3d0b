package convert

import "github.com/brensch/gozero/game"

// Symmetry is one of the eight dihedral transforms of the board.
type Symmetry uint8

const (
	Identity Symmetry = iota
	Rot90
	Rot180
	Rot270
	Flip
	FlipRot90
	FlipRot180
	FlipRot270

	NumSymmetries = 8
)

// forward[s][p] is where point p lands under symmetry s.
var forward [NumSymmetries][game.NumPoints]int

func init() {
	const last = game.N - 1
	for s := Symmetry(0); s < NumSymmetries; s++ {
		for i := 0; i < game.NumPoints; i++ {
			r, c := i/game.N, i%game.N
			if s >= Flip {
				c = last - c
			}
			for k := Symmetry(0); k < s%4; k++ {
				r, c = c, last-r
			}
			forward[s][i] = r*game.N + c
		}
	}
}

// Apply maps a move through s. Pass and resign are unchanged.
func (s Symmetry) Apply(c game.Coord) game.Coord {
	if !c.OnBoard() {
		return c
	}
	return game.Coord(forward[s][c])
}

// InversePolicy maps a policy produced for features encoded with s back to
// board orientation, writing into dst.
func InversePolicy(s Symmetry, policy, dst []float32) {
	for c := game.Coord(0); c < game.NumPoints; c++ {
		dst[c] = policy[s.Apply(c)]
	}
	for i := game.NumPoints; i < len(policy) && i < len(dst); i++ {
		dst[i] = policy[i]
	}
}
