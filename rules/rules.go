// Package rules implements whole-board evaluation on top of game.Position:
// Benson pass-alive detection, area scoring and game termination.
package rules

import (
	"github.com/brensch/gozero/game"
)

// IsGameOver reports whether the game ended with the move that produced p.
// previous is the move played before p.PrevMove().
func IsGameOver(p *game.Position, previous game.Coord, maxMoves int) bool {
	if p.PrevMove() == game.Resign {
		return true
	}
	if maxMoves > 0 && p.MoveNum() >= maxMoves {
		return true
	}
	return p.PrevMove() == game.Pass && previous == game.Pass
}

// CalculateScore returns the Tromp-Taylor area score from black's
// perspective, komi included: stones plus empty regions that only reach one
// color.
func CalculateScore(p *game.Position) float32 {
	var seen [game.NumPoints]bool
	score := 0
	region := make([]game.Coord, 0, game.NumPoints)

	for i := 0; i < game.NumPoints; i++ {
		c := game.Coord(i)
		switch p.At(c) {
		case game.Black:
			score++
			continue
		case game.White:
			score--
			continue
		}
		if seen[c] {
			continue
		}

		region = append(region[:0], c)
		seen[c] = true
		reachBlack, reachWhite := false, false
		for j := 0; j < len(region); j++ {
			for _, nc := range game.Neighbors(region[j]) {
				switch p.At(nc) {
				case game.Black:
					reachBlack = true
				case game.White:
					reachWhite = true
				default:
					if !seen[nc] {
						seen[nc] = true
						region = append(region, nc)
					}
				}
			}
		}
		switch {
		case reachBlack && !reachWhite:
			score += len(region)
		case reachWhite && !reachBlack:
			score -= len(region)
		}
	}
	return float32(score) - p.Komi()
}

// GetResult is the game outcome from black's perspective: +1, -1, or 0 for a
// jigo.
func GetResult(p *game.Position) float32 {
	score := CalculateScore(p)
	switch {
	case score > 0:
		return 1
	case score < 0:
		return -1
	}
	return 0
}
