package inference

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize    = 128
	DefaultBatchTimeout = 1 * time.Millisecond
)

type BatcherConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
}

type inferenceRequest struct {
	input    []float32
	respChan chan inferenceResponse
}

type inferenceResponse struct {
	result Result
	err    error
}

// Batcher implements Predictor on top of a Model. Requests are gathered by a
// single loop and dispatched when BatchSize are waiting or when BatchTimeout
// has passed since the first request of a partial batch.
type Batcher struct {
	model        Model
	cfg          BatcherConfig
	requestsChan chan inferenceRequest

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	totalBatches  atomic.Int64
	totalItems    atomic.Int64
	totalRunNanos atomic.Int64
	lastBatchSize atomic.Int64
}

// NewBatcher starts the batch loop. The Batcher owns model and closes it on
// Close.
func NewBatcher(model Model, cfg BatcherConfig) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		model:        model,
		cfg:          cfg,
		requestsChan: make(chan inferenceRequest, cfg.BatchSize*2),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go b.batchLoop()
	return b
}

func (b *Batcher) Name() string { return b.model.Name() }

// Predict submits req and blocks until its batch has run. A request that is
// already queued when ctx is cancelled still runs; only the wait is abandoned.
func (b *Batcher) Predict(ctx context.Context, req Request) (Result, error) {
	respChan := make(chan inferenceResponse, 1)
	select {
	case b.requestsChan <- inferenceRequest{input: req.Features, respChan: respChan}:
	case <-b.ctx.Done():
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case resp := <-respChan:
		return resp.result, resp.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-b.done:
		select {
		case resp := <-respChan:
			return resp.result, resp.err
		default:
			return Result{}, ErrClosed
		}
	}
}

func (b *Batcher) batchLoop() {
	defer close(b.done)

	batchInput := make([][]float32, 0, b.cfg.BatchSize)
	requests := make([]inferenceRequest, 0, b.cfg.BatchSize)

	var timer *time.Timer
	var timeout <-chan time.Time
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timeout = nil, nil
		}
		b.runBatch(requests, batchInput)
		requests = requests[:0]
		batchInput = batchInput[:0]
	}

	for {
		select {
		case req := <-b.requestsChan:
			requests = append(requests, req)
			batchInput = append(batchInput, req.input)
			if len(requests) == 1 {
				timer = time.NewTimer(b.cfg.BatchTimeout)
				timeout = timer.C
			}
			if len(requests) >= b.cfg.BatchSize {
				flush()
			}
		case <-timeout:
			timer, timeout = nil, nil
			if len(requests) > 0 {
				flush()
			}
		case <-b.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			b.failBatch(requests, ErrClosed)
			for {
				select {
				case req := <-b.requestsChan:
					req.respChan <- inferenceResponse{err: ErrClosed}
				default:
					return
				}
			}
		}
	}
}

func (b *Batcher) runBatch(requests []inferenceRequest, batchInput [][]float32) {
	start := time.Now()
	results, err := b.model.Evaluate(b.ctx, batchInput)
	b.totalRunNanos.Add(time.Since(start).Nanoseconds())
	b.totalBatches.Add(1)
	b.totalItems.Add(int64(len(requests)))
	b.lastBatchSize.Store(int64(len(requests)))

	if err == nil && len(results) != len(requests) {
		err = fmt.Errorf("model %s returned %d results for a batch of %d", b.model.Name(), len(results), len(requests))
	}
	if err != nil {
		log.Error().Err(err).Int("batch", len(requests)).Str("model", b.model.Name()).Msg("batch failed")
		b.failBatch(requests, err)
		return
	}

	for i, req := range requests {
		req.respChan <- inferenceResponse{result: results[i]}
	}
}

func (b *Batcher) failBatch(requests []inferenceRequest, err error) {
	for _, req := range requests {
		req.respChan <- inferenceResponse{err: err}
	}
}

func (b *Batcher) Stats() RuntimeStats {
	st := RuntimeStats{
		TotalBatches:  b.totalBatches.Load(),
		TotalItems:    b.totalItems.Load(),
		TotalRunNanos: b.totalRunNanos.Load(),
		LastBatchSize: b.lastBatchSize.Load(),
		QueueLen:      len(b.requestsChan),
	}
	st.fillAverages()
	return st
}

// Close stops the batch loop, fails anything still queued with ErrClosed and
// closes the model.
func (b *Batcher) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		<-b.done
		err = b.model.Close()
	})
	return err
}
