// Package game defines the board state for 9x9 Go.
//
// A Position is immutable once constructed. New positions are only created by
// NewPosition or by PlayMove, which copies the parent and applies one move.
// The state carries everything the search and the feature encoder need:
// stones, side to move, move number, captures, previous move and the
// incremental Zobrist hash of the stone configuration.
package game

import (
	"fmt"
	"strings"
)

const (
	// N is the board edge length.
	N = 9
	// NumPoints is the number of intersections on the board.
	NumPoints = N * N
	// NumMoves is the size of policy vectors and edge arrays: every point plus pass.
	NumMoves = NumPoints + 1

	DefaultKomi = float32(7.5)
)

// Color is the content of an intersection, or the side to move.
type Color int8

const (
	Empty Color = iota
	Black
	White
)

func (c Color) Other() Color {
	switch c {
	case Black:
		return White
	case White:
		return Black
	}
	return Empty
}

// Sign is +1 for black and -1 for white. Values in the search tree are
// stored from black's point of view.
func (c Color) Sign() float32 {
	if c == White {
		return -1
	}
	return 1
}

func (c Color) String() string {
	switch c {
	case Black:
		return "B"
	case White:
		return "W"
	}
	return "."
}

// Coord is a board point index (row-major, row 0 is the top edge) or one of
// the pseudo-moves Pass and Resign.
type Coord int16

const (
	Pass    Coord = NumPoints
	Resign  Coord = NumPoints + 1
	Invalid Coord = -1
)

const columns = "ABCDEFGHJKLMNOPQRST"

func CoordAt(row, col int) Coord {
	return Coord(row*N + col)
}

func (c Coord) Row() int { return int(c) / N }
func (c Coord) Col() int { return int(c) % N }

// OnBoard reports whether c is a board point rather than a pseudo-move.
func (c Coord) OnBoard() bool {
	return c >= 0 && c < NumPoints
}

// String renders c in GTP notation, e.g. "E5". Row 0 is printed as N.
func (c Coord) String() string {
	switch {
	case c == Pass:
		return "pass"
	case c == Resign:
		return "resign"
	case !c.OnBoard():
		return "invalid"
	}
	return fmt.Sprintf("%c%d", columns[c.Col()], N-c.Row())
}

// ParseCoord parses GTP notation ("D4", "pass", "resign").
func ParseCoord(s string) (Coord, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "PASS":
		return Pass, nil
	case "RESIGN":
		return Resign, nil
	}
	if len(s) < 2 {
		return Invalid, fmt.Errorf("parse coord %q: too short", s)
	}
	col := strings.IndexByte(columns[:N], s[0])
	if col < 0 {
		return Invalid, fmt.Errorf("parse coord %q: bad column", s)
	}
	var row int
	if _, err := fmt.Sscanf(s[1:], "%d", &row); err != nil || row < 1 || row > N {
		return Invalid, fmt.Errorf("parse coord %q: bad row", s)
	}
	return CoordAt(N-row, col), nil
}

var neighbors [NumPoints][]Coord

func init() {
	for i := 0; i < NumPoints; i++ {
		c := Coord(i)
		r, col := c.Row(), c.Col()
		if r > 0 {
			neighbors[i] = append(neighbors[i], CoordAt(r-1, col))
		}
		if col > 0 {
			neighbors[i] = append(neighbors[i], CoordAt(r, col-1))
		}
		if col < N-1 {
			neighbors[i] = append(neighbors[i], CoordAt(r, col+1))
		}
		if r < N-1 {
			neighbors[i] = append(neighbors[i], CoordAt(r+1, col))
		}
	}
}

// Neighbors returns the orthogonal neighbors of a board point. The returned
// slice is shared and must not be modified.
func Neighbors(c Coord) []Coord {
	return neighbors[c]
}

// Position is one game state.
type Position struct {
	stones [NumPoints]Color
	// libs holds, for every occupied point, the liberty count of its chain.
	libs [NumPoints]uint8

	toPlay   Color
	n        int
	caps     [2]int
	prevMove Coord
	hash     Hash
	komi     float32
}

// NewPosition returns the empty board with black to play.
func NewPosition(komi float32) *Position {
	return &Position{
		toPlay:   Black,
		prevMove: Invalid,
		komi:     komi,
	}
}

func (p *Position) At(c Coord) Color { return p.stones[c] }
func (p *Position) ToPlay() Color    { return p.toPlay }
func (p *Position) MoveNum() int     { return p.n }
func (p *Position) PrevMove() Coord  { return p.prevMove }
func (p *Position) StoneHash() Hash  { return p.hash }
func (p *Position) Komi() float32    { return p.komi }

// ChainLiberties returns the liberty count of the chain occupying c, or 0 for
// an empty point.
func (p *Position) ChainLiberties(c Coord) int {
	return int(p.libs[c])
}

// Captures returns the number of stones captured by color.
func (p *Position) Captures(color Color) int {
	switch color {
	case Black:
		return p.caps[0]
	case White:
		return p.caps[1]
	}
	return 0
}

func (p *Position) String() string {
	var sb strings.Builder
	for r := 0; r < N; r++ {
		fmt.Fprintf(&sb, "%2d ", N-r)
		for col := 0; col < N; col++ {
			switch p.stones[CoordAt(r, col)] {
			case Black:
				sb.WriteString("X ")
			case White:
				sb.WriteString("O ")
			default:
				sb.WriteString(". ")
			}
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("   ")
	for col := 0; col < N; col++ {
		sb.WriteByte(columns[col])
		sb.WriteByte(' ')
	}
	fmt.Fprintf(&sb, "\nmove %d, %s to play, captures B:%d W:%d\n", p.n, p.toPlay, p.caps[0], p.caps[1])
	return sb.String()
}

// updateLiberties recomputes the liberty count of every chain on the board.
func (p *Position) updateLiberties() {
	var seen [NumPoints]bool
	var libMark [NumPoints]int
	stamp := 0
	chain := make([]Coord, 0, NumPoints)
	stack := make([]Coord, 0, NumPoints)

	p.libs = [NumPoints]uint8{}
	for i := 0; i < NumPoints; i++ {
		color := p.stones[i]
		if color == Empty || seen[i] {
			continue
		}
		stamp++
		chain = chain[:0]
		stack = append(stack[:0], Coord(i))
		seen[i] = true
		libs := 0
		for len(stack) > 0 {
			c := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			chain = append(chain, c)
			for _, nc := range neighbors[c] {
				switch p.stones[nc] {
				case Empty:
					if libMark[nc] != stamp {
						libMark[nc] = stamp
						libs++
					}
				case color:
					if !seen[nc] {
						seen[nc] = true
						stack = append(stack, nc)
					}
				}
			}
		}
		if libs > 255 {
			libs = 255
		}
		for _, c := range chain {
			p.libs[c] = uint8(libs)
		}
	}
}

// chainAt appends the stones of the chain containing c to dst.
func (p *Position) chainAt(c Coord, dst []Coord, seen *[NumPoints]bool) []Coord {
	color := p.stones[c]
	start := len(dst)
	dst = append(dst, c)
	seen[c] = true
	for i := start; i < len(dst); i++ {
		for _, nc := range neighbors[dst[i]] {
			if p.stones[nc] == color && !seen[nc] {
				seen[nc] = true
				dst = append(dst, nc)
			}
		}
	}
	return dst
}
