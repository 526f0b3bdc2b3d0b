package selfplay

import (
	"math"
	"time"

	"github.com/brensch/gozero/config"
	"github.com/brensch/gozero/executor/mcts"
)

// Options are the tunables for one move. A fresh value is taken before every
// move so configuration changes apply mid-game.
type Options struct {
	Readouts      int
	VirtualLosses int
	CPuct         float32
	MaxGameLength int
	Komi          float32
	TreeReuse     bool

	SecondsPerMove float32
	TimeLimit      float32
	DecayFactor    float32

	ResignThreshold  float32
	DisableResignPct float32
	DirichletAlpha   float32
	NoiseMix         float32
	SoftPickCutoff   int
	PassAliveMinMove int
}

func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Readouts:         c.Readouts,
		VirtualLosses:    c.VirtualLosses,
		CPuct:            c.CPuct,
		MaxGameLength:    c.MaxGameLength,
		Komi:             c.Komi,
		TreeReuse:        c.TreeReuse,
		SecondsPerMove:   c.SecondsPerMove,
		TimeLimit:        c.TimeLimit,
		DecayFactor:      c.DecayFactor,
		ResignThreshold:  c.ResignThreshold,
		DisableResignPct: c.DisableResignPct,
		DirichletAlpha:   c.DirichletAlpha,
		NoiseMix:         c.NoiseMix,
		SoftPickCutoff:   c.SoftPickCutoff,
		PassAliveMinMove: c.PassAliveMinMove,
	}
}

// FromSource adapts a config.Source to the per-move options callback.
func FromSource(src *config.Source) func() Options {
	return func() Options { return OptionsFromConfig(src.Snapshot()) }
}

// Fixed returns a callback that always yields o.
func Fixed(o Options) func() Options {
	return func() Options { return o }
}

func (o Options) params() mcts.Params {
	return mcts.Params{CPuct: o.CPuct, MaxGameLength: o.MaxGameLength}
}

// ReadoutBudget returns the readout count and, for time-based play, the
// search deadline length for the move about to be played.
func (o Options) ReadoutBudget(moveNum int) (int, time.Duration) {
	if o.SecondsPerMove <= 0 {
		return o.Readouts, 0
	}
	secs := TimeRecommendation(moveNum, o.SecondsPerMove, o.TimeLimit, o.DecayFactor)
	return 1 << 30, time.Duration(float64(secs) * float64(time.Second))
}

// TimeRecommendation spends secondsPerMove per move while the game fits in
// timeLimit, then decays the per-move time geometrically so that the total
// over an unbounded game stays within timeLimit. Move numbers count both
// players; the budget is per player. A non-positive timeLimit means no overall
// limit.
func TimeRecommendation(moveNum int, secondsPerMove, timeLimit, decayFactor float32) float32 {
	if timeLimit <= 0 {
		return secondsPerMove
	}
	playerMoveNum := float64(moveNum / 2)
	decay := float64(decayFactor)

	endgameTime := float64(secondsPerMove) / (1 - decay)
	var baseTime, coreMoves float64
	if endgameTime > float64(timeLimit) {
		baseTime = float64(timeLimit) * (1 - decay)
		coreMoves = 0
	} else {
		baseTime = float64(secondsPerMove)
		coreMoves = (float64(timeLimit) - endgameTime) / float64(secondsPerMove)
	}
	return float32(baseTime * math.Pow(decay, math.Max(playerMoveNum-coreMoves, 0)))
}
