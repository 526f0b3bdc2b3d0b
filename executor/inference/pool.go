package inference

import (
	"context"
	"fmt"
	"sync/atomic"
)

// RuntimeStats summarises batching behaviour for the status line and TUI.
type RuntimeStats struct {
	TotalBatches  int64
	TotalItems    int64
	TotalRunNanos int64
	LastBatchSize int64
	QueueLen      int

	AvgBatchSize float64
	AvgRunMs     float64
}

func (st *RuntimeStats) fillAverages() {
	st.AvgBatchSize, st.AvgRunMs = 0, 0
	if st.TotalBatches > 0 {
		st.AvgBatchSize = float64(st.TotalItems) / float64(st.TotalBatches)
		st.AvgRunMs = (float64(st.TotalRunNanos) / 1e6) / float64(st.TotalBatches)
	}
}

// Pool fans Predict calls across several Batchers round-robin. Each Batcher
// has its own model instance and loop, so batches run in parallel on the GPU.
type Pool struct {
	batchers []*Batcher
	rr       atomic.Uint64
}

// NewPool builds sessions batchers, each over a model from newModel.
func NewPool(sessions int, cfg BatcherConfig, newModel func() (Model, error)) (*Pool, error) {
	if sessions <= 0 {
		sessions = 1
	}

	batchers := make([]*Batcher, 0, sessions)
	for i := 0; i < sessions; i++ {
		m, err := newModel()
		if err != nil {
			for _, created := range batchers {
				_ = created.Close()
			}
			return nil, fmt.Errorf("create model %d/%d: %w", i+1, sessions, err)
		}
		batchers = append(batchers, NewBatcher(m, cfg))
	}

	return &Pool{batchers: batchers}, nil
}

func (p *Pool) Name() string {
	if len(p.batchers) == 0 {
		return ""
	}
	return p.batchers[0].Name()
}

func (p *Pool) Predict(ctx context.Context, req Request) (Result, error) {
	if len(p.batchers) == 0 {
		return Result{}, fmt.Errorf("inference pool has no sessions")
	}
	idx := int(p.rr.Add(1)-1) % len(p.batchers)
	return p.batchers[idx].Predict(ctx, req)
}

func (p *Pool) Stats() RuntimeStats {
	var total RuntimeStats
	for _, b := range p.batchers {
		st := b.Stats()
		total.TotalBatches += st.TotalBatches
		total.TotalItems += st.TotalItems
		total.TotalRunNanos += st.TotalRunNanos
		total.QueueLen += st.QueueLen
		if st.LastBatchSize > total.LastBatchSize {
			total.LastBatchSize = st.LastBatchSize
		}
	}
	total.fillAverages()
	return total
}

func (p *Pool) Close() error {
	var firstErr error
	for _, b := range p.batchers {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
