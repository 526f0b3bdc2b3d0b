package inference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brensch/gozero/executor/convert"
	"github.com/stretchr/testify/require"
)

// echoModel returns each input's first float as the value and records the
// size of every batch it sees.
type echoModel struct {
	mu      sync.Mutex
	batches []int
	err     error
	closed  bool
}

func (m *echoModel) Evaluate(ctx context.Context, batch [][]float32) ([]Result, error) {
	m.mu.Lock()
	m.batches = append(m.batches, len(batch))
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(batch))
	for i, in := range batch {
		out[i] = Result{Policy: make([]float32, convert.PolicySize), Value: in[0]}
	}
	return out, nil
}

func (m *echoModel) Name() string { return "echo" }

func (m *echoModel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *echoModel) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.batches...)
}

func features(v float32) []float32 {
	f := make([]float32, convert.FloatSize)
	f[0] = v
	return f
}

func TestBatcherFullBatchDispatch(t *testing.T) {
	model := &echoModel{}
	// The timeout is long enough that only a full batch can release callers.
	b := NewBatcher(model, BatcherConfig{BatchSize: 4, BatchTimeout: time.Hour})
	defer b.Close()

	var wg sync.WaitGroup
	values := make([]float32, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.Predict(context.Background(), Request{Features: features(float32(i + 1))})
			values[i], errs[i] = res.Value, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, float32(i+1), values[i], "result attributed to the wrong caller")
	}
	require.Equal(t, []int{4}, model.batchSizes())

	st := b.Stats()
	require.Equal(t, int64(1), st.TotalBatches)
	require.Equal(t, int64(4), st.TotalItems)
	require.Equal(t, 4.0, st.AvgBatchSize)
}

func TestBatcherPartialBatchTimeout(t *testing.T) {
	model := &echoModel{}
	b := NewBatcher(model, BatcherConfig{BatchSize: 8, BatchTimeout: 5 * time.Millisecond})
	defer b.Close()

	var wg sync.WaitGroup
	values := make([]float32, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.Predict(context.Background(), Request{Features: features(float32(i))})
			values[i], errs[i] = res.Value, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, float32(i), values[i])
	}

	var total int
	for _, n := range model.batchSizes() {
		total += n
	}
	require.Equal(t, 3, total)
}

func TestBatcherFailBatch(t *testing.T) {
	boom := errors.New("network unavailable")
	model := &echoModel{err: boom}
	b := NewBatcher(model, BatcherConfig{BatchSize: 4, BatchTimeout: time.Hour})
	defer b.Close()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Predict(context.Background(), Request{Features: features(1)})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, boom)
	}
}

type shortModel struct{ echoModel }

func (m *shortModel) Evaluate(ctx context.Context, batch [][]float32) ([]Result, error) {
	return make([]Result, len(batch)-1), nil
}

func TestBatcherRejectsShortOutput(t *testing.T) {
	b := NewBatcher(&shortModel{}, BatcherConfig{BatchSize: 1})
	defer b.Close()

	_, err := b.Predict(context.Background(), Request{Features: features(1)})
	require.Error(t, err)
}

type blockingModel struct {
	echoModel
	release chan struct{}
}

func (m *blockingModel) Evaluate(ctx context.Context, batch [][]float32) ([]Result, error) {
	select {
	case <-m.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.echoModel.Evaluate(ctx, batch)
}

func TestBatcherCallerCancellation(t *testing.T) {
	model := &blockingModel{release: make(chan struct{})}
	b := NewBatcher(model, BatcherConfig{BatchSize: 1})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Predict(ctx, Request{Features: features(1)})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned request still runs; later callers are unaffected.
	close(model.release)
	res, err := b.Predict(context.Background(), Request{Features: features(2)})
	require.NoError(t, err)
	require.Equal(t, float32(2), res.Value)
}

func TestBatcherClose(t *testing.T) {
	model := &echoModel{}
	b := NewBatcher(model, BatcherConfig{BatchSize: 4})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.True(t, model.closed)

	_, err := b.Predict(context.Background(), Request{Features: features(1)})
	require.ErrorIs(t, err, ErrClosed)
}

func TestPoolRoundRobin(t *testing.T) {
	var models []*echoModel
	p, err := NewPool(3, BatcherConfig{BatchSize: 1}, func() (Model, error) {
		m := &echoModel{}
		models = append(models, m)
		return m, nil
	})
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 6; i++ {
		res, err := p.Predict(context.Background(), Request{Features: features(float32(i))})
		require.NoError(t, err)
		require.Equal(t, float32(i), res.Value)
	}
	for _, m := range models {
		require.Equal(t, []int{1, 1}, m.batchSizes())
	}
	require.Equal(t, int64(6), p.Stats().TotalItems)
	require.Equal(t, "echo", p.Name())
}

func TestPoolCreateFailureClosesCreated(t *testing.T) {
	var models []*echoModel
	_, err := NewPool(3, BatcherConfig{}, func() (Model, error) {
		if len(models) == 2 {
			return nil, errors.New("no gpu")
		}
		m := &echoModel{}
		models = append(models, m)
		return m, nil
	})
	require.Error(t, err)
	for _, m := range models {
		require.True(t, m.closed)
	}
}

func TestUniformModel(t *testing.T) {
	out, err := UniformModel{}.Evaluate(context.Background(), [][]float32{features(0), features(0)})
	require.NoError(t, err)
	require.Len(t, out, 2)
	var sum float32
	for _, p := range out[0].Policy {
		sum += p
	}
	require.InDelta(t, 1, sum, 1e-5)
	require.Zero(t, out[1].Value)
}

func TestSoftmax(t *testing.T) {
	out := softmax([]float32{0, 0, 1000})
	require.InDelta(t, 1, out[2], 1e-6)
	require.InDelta(t, 0, out[0], 1e-6)
}
