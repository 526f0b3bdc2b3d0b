// Package inference turns single-position evaluation requests from many
// concurrent searches into batched network calls.
//
// The layering is Predictor wrappers (Cache) on top of a Batcher or Pool,
// which drives a Model. A Model only ever sees whole batches.
package inference

import (
	"context"
	"errors"
	"math"

	"github.com/brensch/gozero/executor/convert"
	"github.com/brensch/gozero/game"
)

var ErrClosed = errors.New("inference: closed")

// CacheKey identifies an evaluation. Positions with the same stones, side to
// move and pass state produce the same network input for a given symmetry.
type CacheKey struct {
	Hash     game.Hash
	ToPlay   game.Color
	PrevPass bool
	Symmetry convert.Symmetry
}

// Request is one encoded position. Features must stay untouched until
// Predict returns.
type Request struct {
	Features []float32
	Key      CacheKey
}

// Result is the network output for one position. Policy is a probability
// distribution over convert.PolicySize moves in the orientation of the
// request's features. Value is in [-1, 1] from the side to move. Results may
// be shared between callers and must not be modified.
type Result struct {
	Policy []float32
	Value  float32
}

// Predictor evaluates one position, blocking until the result is ready.
type Predictor interface {
	Predict(ctx context.Context, req Request) (Result, error)
}

// Model evaluates whole batches. The output is 1:1 with the input.
type Model interface {
	Evaluate(ctx context.Context, batch [][]float32) ([]Result, error)
	Name() string
	Close() error
}

// UniformModel returns a flat policy and a zero value for every position.
// It bootstraps the first generation of games and stands in for a network in
// tests.
type UniformModel struct{}

func (UniformModel) Evaluate(ctx context.Context, batch [][]float32) ([]Result, error) {
	policy := make([]float32, convert.PolicySize)
	for i := range policy {
		policy[i] = 1 / float32(convert.PolicySize)
	}
	out := make([]Result, len(batch))
	for i := range out {
		out[i] = Result{Policy: policy}
	}
	return out, nil
}

func (UniformModel) Name() string { return "uniform" }
func (UniformModel) Close() error { return nil }

func softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxV := logits[0]
	for _, v := range logits[1:] {
		if v > maxV {
			maxV = v
		}
	}
	sum := float32(0)
	for i, v := range logits {
		e := float32(math.Exp(float64(v - maxV)))
		out[i] = e
		sum += e
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range out {
			out[i] *= inv
		}
	}
	return out
}
