package game

import (
	"github.com/bszcz/mt19937_64"
)

// Hash is a Zobrist hash of a stone configuration.
type Hash uint64

// ZobristSeed seeds the key table. The table must be identical in every
// process that shares an inference cache, so the seed is fixed.
const ZobristSeed = 614889782588491410

var zobristKeys [NumPoints][2]Hash

func init() {
	mt := mt19937_64.New()
	mt.Seed(ZobristSeed)
	for i := range zobristKeys {
		for j := range zobristKeys[i] {
			zobristKeys[i][j] = Hash(uint64(mt.Int63())<<1 ^ uint64(mt.Int63()))
		}
	}
}

// MoveHash is the key XORed into the stone hash when a stone of color is
// placed on, or removed from, c.
func MoveHash(c Coord, color Color) Hash {
	if !c.OnBoard() || color == Empty {
		return 0
	}
	return zobristKeys[c][color-1]
}

// HashStones computes the stone hash of a board from scratch.
func HashStones(stones *[NumPoints]Color) Hash {
	var h Hash
	for i, color := range stones {
		if color != Empty {
			h ^= zobristKeys[i][color-1]
		}
	}
	return h
}
