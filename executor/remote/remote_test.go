package remote

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brensch/gozero/executor/convert"
	"github.com/brensch/gozero/executor/inference"
	"github.com/stretchr/testify/require"
)

// firstFeatureModel answers with value = features[0] and all policy mass on
// move int(features[1]).
type firstFeatureModel struct{}

func (firstFeatureModel) Evaluate(ctx context.Context, batch [][]float32) ([]inference.Result, error) {
	out := make([]inference.Result, len(batch))
	for i, f := range batch {
		policy := make([]float32, convert.PolicySize)
		policy[int(f[1])] = 1
		out[i] = inference.Result{Policy: policy, Value: f[0]}
	}
	return out, nil
}
func (firstFeatureModel) Name() string { return "first-feature" }
func (firstFeatureModel) Close() error { return nil }

type failingPredictor struct{}

func (failingPredictor) Predict(ctx context.Context, req inference.Request) (inference.Result, error) {
	return inference.Result{}, errors.New("gpu on fire")
}

func input(value float32, move int) []float32 {
	f := make([]float32, convert.FloatSize)
	f[0] = value
	f[1] = float32(move)
	return f
}

func serve(t *testing.T, p inference.Predictor) (*Handler, string) {
	t.Helper()
	h := NewHandler(p)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRemoteModelRoundTrip(t *testing.T) {
	batcher := inference.NewBatcher(firstFeatureModel{}, inference.BatcherConfig{BatchSize: 8, BatchTimeout: time.Millisecond})
	defer batcher.Close()
	h, url := serve(t, batcher)

	m, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer m.Close()

	batch := [][]float32{input(0.5, 3), input(-0.25, 81), input(1, 0)}
	out, err := m.Evaluate(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, float32(0.5), out[0].Value)
	require.Equal(t, float32(1), out[0].Policy[3])
	require.Equal(t, float32(-0.25), out[1].Value)
	require.Equal(t, float32(1), out[1].Policy[81])
	require.Equal(t, float32(1), out[2].Value)

	st := h.Stats()
	require.Equal(t, int64(1), st.Connections)
	require.Equal(t, int64(1), st.Requests)
	require.Equal(t, int64(3), st.Positions)
}

func TestRemoteModelReportsServerError(t *testing.T) {
	h, url := serve(t, failingPredictor{})
	m, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Evaluate(context.Background(), [][]float32{input(0, 0)})
	require.ErrorIs(t, err, ErrRemote)
	require.ErrorContains(t, err, "gpu on fire")
	require.Equal(t, int64(1), h.Stats().Errors)

	// The connection stays usable after a reported failure.
	_, err = m.Evaluate(context.Background(), [][]float32{input(0, 0)})
	require.ErrorIs(t, err, ErrRemote)
	require.Equal(t, int64(1), h.Stats().Connections)
}

func TestRemoteModelRejectsBadInput(t *testing.T) {
	_, url := serve(t, failingPredictor{})
	m, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Evaluate(context.Background(), [][]float32{{1, 2, 3}})
	require.ErrorContains(t, err, "want")
}

func TestRemoteModelClosed(t *testing.T) {
	_, url := serve(t, failingPredictor{})
	m, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	_, err = m.Evaluate(context.Background(), [][]float32{input(0, 0)})
	require.ErrorIs(t, err, inference.ErrClosed)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/none", nil)
	require.Error(t, err)
}

func TestProtocolRequestRoundTrip(t *testing.T) {
	msg, err := encodeRequest(7, [][]float32{input(0.1, 2), input(0.2, 4)})
	require.NoError(t, err)
	id, batch, err := decodeRequest(msg)
	require.NoError(t, err)
	require.Equal(t, uint32(7), id)
	require.Len(t, batch, 2)
	require.Equal(t, input(0.2, 4), batch[1])

	_, _, err = decodeRequest(msg[:len(msg)-1])
	require.Error(t, err)
}
