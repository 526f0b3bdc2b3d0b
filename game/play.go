package game

import "fmt"

// MoveType classifies a candidate move for legality and hashing purposes.
type MoveType int8

const (
	// Illegal moves are occupied points and suicides.
	Illegal MoveType = iota
	// NoCapture moves change the stone hash by a single XOR.
	NoCapture
	// Capture moves remove opponent stones; computing the resulting hash
	// requires simulating the placement.
	Capture
)

func (t MoveType) String() string {
	switch t {
	case NoCapture:
		return "no-capture"
	case Capture:
		return "capture"
	}
	return "illegal"
}

// ClassifyMove classifies c for the side to move. Repetition is not checked
// here: superko is a property of the game history, which the position does
// not carry.
func (p *Position) ClassifyMove(c Coord) MoveType {
	if c == Pass || c == Resign {
		return NoCapture
	}
	if !c.OnBoard() || p.stones[c] != Empty {
		return Illegal
	}

	result := Illegal
	other := p.toPlay.Other()
	for _, nc := range neighbors[c] {
		switch p.stones[nc] {
		case Empty:
			result = NoCapture
		case other:
			if p.libs[nc] == 1 {
				return Capture
			}
		default:
			if p.libs[nc] > 1 {
				result = NoCapture
			}
		}
	}
	return result
}

// StoneHashAfter returns the stone hash that playing c would produce. c must
// be legal.
func (p *Position) StoneHashAfter(c Coord) Hash {
	if !c.OnBoard() {
		return p.hash
	}
	h := p.hash ^ MoveHash(c, p.toPlay)
	if p.ClassifyMove(c) != Capture {
		return h
	}

	other := p.toPlay.Other()
	var seen [NumPoints]bool
	var chain []Coord
	for _, nc := range neighbors[c] {
		if p.stones[nc] != other || p.libs[nc] != 1 || seen[nc] {
			continue
		}
		chain = p.chainAt(nc, chain[:0], &seen)
		for _, s := range chain {
			h ^= MoveHash(s, other)
		}
	}
	return h
}

// PlayMove returns the position after the side to move plays c. Playing an
// illegal move is a programming error and panics; callers filter moves with
// ClassifyMove (and the superko check in the search tree) first.
func (p *Position) PlayMove(c Coord) *Position {
	if p.ClassifyMove(c) == Illegal {
		panic(fmt.Sprintf("illegal move %s at move %d\n%s", c, p.n, p))
	}

	np := *p
	np.n++
	np.prevMove = c
	np.toPlay = p.toPlay.Other()
	if !c.OnBoard() {
		return &np
	}

	color := p.toPlay
	other := color.Other()
	np.stones[c] = color
	np.hash ^= MoveHash(c, color)

	var seen [NumPoints]bool
	var chain []Coord
	captured := 0
	for _, nc := range neighbors[c] {
		// Chains whose only liberty was c are captured.
		if np.stones[nc] != other || p.libs[nc] != 1 || seen[nc] {
			continue
		}
		chain = np.chainAt(nc, chain[:0], &seen)
		for _, s := range chain {
			np.stones[s] = Empty
			np.hash ^= MoveHash(s, other)
		}
		captured += len(chain)
	}
	if color == Black {
		np.caps[0] += captured
	} else {
		np.caps[1] += captured
	}

	np.updateLiberties()
	return &np
}
