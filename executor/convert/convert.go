package convert

import (
	"sync"

	"github.com/brensch/gozero/game"
)

const (
	Width  = game.N
	Height = game.N
	// HistoryLen is the number of past positions fed to the network,
	// current position included.
	HistoryLen = 8
	// Channels: own/opponent stone planes per history step plus a to-play plane.
	Channels  = 2*HistoryLen + 1
	FloatSize = Channels * Width * Height
	// PolicySize is the length of the policy vector: every point plus pass.
	PolicySize = game.NumMoves
)

var floatPool = sync.Pool{
	New: func() interface{} {
		b := make([]float32, FloatSize)
		return &b
	},
}

func GetFloatBuffer() *[]float32 {
	return floatPool.Get().(*[]float32)
}

func PutFloatBuffer(b *[]float32) {
	floatPool.Put(b)
}

// Encode writes the feature planes for history into dst, transformed by sym.
// history[0] is the position to evaluate, history[1] its parent and so on;
// missing history is left as zeros.
//
// Layout is [Channels, Height, Width]:
//
//	2h:   stones of the side to move, h plies ago
//	2h+1: stones of the opponent, h plies ago
//	16:   all ones if black is to play
func Encode(history []*game.Position, sym Symmetry, dst []float32) {
	clear(dst[:FloatSize])
	if len(history) == 0 {
		return
	}
	me := history[0].ToPlay()
	them := me.Other()
	table := &forward[sym]

	plane := Width * Height
	for h := 0; h < HistoryLen && h < len(history); h++ {
		pos := history[h]
		if pos == nil {
			break
		}
		own := dst[2*h*plane : (2*h+1)*plane]
		opp := dst[(2*h+1)*plane : (2*h+2)*plane]
		for i := 0; i < game.NumPoints; i++ {
			switch pos.At(game.Coord(i)) {
			case me:
				own[table[i]] = 1
			case them:
				opp[table[i]] = 1
			}
		}
	}

	if me == game.Black {
		toPlay := dst[2*HistoryLen*plane : (2*HistoryLen+1)*plane]
		for i := range toPlay {
			toPlay[i] = 1
		}
	}
}

// EncodeToPool encodes into a pooled buffer. The caller returns it with
// PutFloatBuffer.
func EncodeToPool(history []*game.Position, sym Symmetry) *[]float32 {
	ptr := GetFloatBuffer()
	Encode(history, sym, *ptr)
	return ptr
}
