// visualize.go - Console rendering of positions for debugging self-play games.
package selfplay

import (
	"fmt"
	"io"
	"strings"

	"github.com/brensch/gozero/executor/mcts"
	"github.com/brensch/gozero/game"
	"github.com/muesli/termenv"
)

// FormatBoard renders p with coordinates. Colours are applied only when w is
// a terminal that supports them; the last move is highlighted.
func FormatBoard(w io.Writer, p *game.Position) string {
	out := termenv.NewOutput(w)
	black := out.String("X").Bold()
	white := out.String("O").Foreground(out.Color("15"))
	lastBlack := out.String("X").Bold().Foreground(out.Color("9"))
	lastWhite := out.String("O").Bold().Foreground(out.Color("9"))

	const cols = "ABCDEFGHJ"
	var sb strings.Builder
	sb.WriteString("   " + strings.Join(strings.Split(cols[:game.N], ""), " ") + "\n")
	for r := 0; r < game.N; r++ {
		fmt.Fprintf(&sb, "%2d ", game.N-r)
		for c := 0; c < game.N; c++ {
			pt := game.CoordAt(r, c)
			last := pt == p.PrevMove()
			switch p.At(pt) {
			case game.Black:
				if last {
					sb.WriteString(lastBlack.String())
				} else {
					sb.WriteString(black.String())
				}
			case game.White:
				if last {
					sb.WriteString(lastWhite.String())
				} else {
					sb.WriteString(white.String())
				}
			default:
				sb.WriteByte('.')
			}
			if c < game.N-1 {
				sb.WriteByte(' ')
			}
		}
		fmt.Fprintf(&sb, " %d\n", game.N-r)
	}
	fmt.Fprintf(&sb, "move %d, %s to play, last %s, captures B %d W %d",
		p.MoveNum(), p.ToPlay(), p.PrevMove(), p.Captures(game.Black), p.Captures(game.White))
	return sb.String()
}

// PrintBoard writes the root position followed by its search summary.
func PrintBoard(w io.Writer, root *mcts.Node) {
	fmt.Fprintf(w, "\n%s\n%s\n", FormatBoard(w, root.Position()), root.Describe())
}
