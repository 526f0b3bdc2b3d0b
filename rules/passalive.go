package rules

import (
	"github.com/brensch/gozero/game"
)

// Pass-alive detection uses Benson's algorithm.
//
// A color-enclosed region is a maximal connected set of points containing no
// stones of that color. It is small if all of its empty points are liberties
// of the enclosing chains, and vital to an enclosing chain if all of its empty
// points are liberties of that chain.
//
// Starting with X = all chains and R = all small regions:
//  1. remove from X every chain with fewer than two vital regions in R;
//  2. remove from R every region bordered by a chain not in X;
//  3. repeat until nothing changes.
//
// The chains left in X are unconditionally alive, and the regions left in R
// are their territory.

type bensonRegion struct {
	points  []game.Coord
	empties []game.Coord
	chains  []int
	small   bool
	removed bool
}

type bensonChain struct {
	liberty [game.NumPoints]bool
	vital   int
	removed bool
}

// CalculatePassAliveRegions returns, per point, the color for which that point
// is pass-alive (stone or territory), or game.Empty.
func CalculatePassAliveRegions(p *game.Position) [game.NumPoints]game.Color {
	var result [game.NumPoints]game.Color
	for _, color := range []game.Color{game.Black, game.White} {
		passAliveForColor(p, color, &result)
	}
	return result
}

// CalculateWholeBoardPassAlive reports whether every point on the board is
// pass-alive for one side. Once true, further play cannot change the result.
func CalculateWholeBoardPassAlive(p *game.Position) bool {
	result := CalculatePassAliveRegions(p)
	for _, color := range result {
		if color == game.Empty {
			return false
		}
	}
	return true
}

func passAliveForColor(p *game.Position, color game.Color, result *[game.NumPoints]game.Color) {
	var chainID [game.NumPoints]int
	for i := range chainID {
		chainID[i] = -1
	}

	// Chains of color, with their liberties.
	var chains []*bensonChain
	var chainPoints [][]game.Coord
	for i := 0; i < game.NumPoints; i++ {
		c := game.Coord(i)
		if p.At(c) != color || chainID[c] >= 0 {
			continue
		}
		id := len(chains)
		ch := &bensonChain{}
		pts := []game.Coord{c}
		chainID[c] = id
		for j := 0; j < len(pts); j++ {
			for _, nc := range game.Neighbors(pts[j]) {
				switch p.At(nc) {
				case color:
					if chainID[nc] < 0 {
						chainID[nc] = id
						pts = append(pts, nc)
					}
				case game.Empty:
					ch.liberty[nc] = true
				}
			}
		}
		chains = append(chains, ch)
		chainPoints = append(chainPoints, pts)
	}
	if len(chains) == 0 {
		return
	}

	// Regions enclosed by color.
	var regionID [game.NumPoints]int
	for i := range regionID {
		regionID[i] = -1
	}
	var regions []*bensonRegion
	for i := 0; i < game.NumPoints; i++ {
		c := game.Coord(i)
		if p.At(c) == color || regionID[c] >= 0 {
			continue
		}
		id := len(regions)
		r := &bensonRegion{points: []game.Coord{c}, small: true}
		regionID[c] = id
		bordering := make(map[int]bool)
		for j := 0; j < len(r.points); j++ {
			pt := r.points[j]
			isEmpty := p.At(pt) == game.Empty
			isLiberty := false
			for _, nc := range game.Neighbors(pt) {
				if p.At(nc) == color {
					bordering[chainID[nc]] = true
					isLiberty = true
					continue
				}
				if regionID[nc] < 0 {
					regionID[nc] = id
					r.points = append(r.points, nc)
				}
			}
			if isEmpty {
				r.empties = append(r.empties, pt)
				if !isLiberty {
					r.small = false
				}
			}
		}
		for ch := range bordering {
			r.chains = append(r.chains, ch)
		}
		regions = append(regions, r)
	}

	for _, r := range regions {
		if !r.small {
			r.removed = true
		}
	}

	for {
		for _, ch := range chains {
			ch.vital = 0
		}
		for _, r := range regions {
			if r.removed {
				continue
			}
			for _, id := range r.chains {
				if isVital(r, chains[id]) {
					chains[id].vital++
				}
			}
		}

		changed := false
		for _, ch := range chains {
			if !ch.removed && ch.vital < 2 {
				ch.removed = true
				changed = true
			}
		}
		for _, r := range regions {
			if r.removed {
				continue
			}
			for _, id := range r.chains {
				if chains[id].removed {
					r.removed = true
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}

	for id, ch := range chains {
		if ch.removed {
			continue
		}
		for _, c := range chainPoints[id] {
			result[c] = color
		}
	}
	for _, r := range regions {
		if r.removed {
			continue
		}
		for _, c := range r.points {
			result[c] = color
		}
	}
}

func isVital(r *bensonRegion, ch *bensonChain) bool {
	for _, c := range r.empties {
		if !ch.liberty[c] {
			return false
		}
	}
	return true
}
