package inference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fileModel struct {
	path   string
	fail   bool
	closed bool
}

func (m *fileModel) Evaluate(ctx context.Context, batch [][]float32) ([]Result, error) {
	if m.fail {
		return nil, errors.New("model crashed")
	}
	return make([]Result, len(batch)), nil
}

func (m *fileModel) Name() string { return filepath.Base(m.path) }
func (m *fileModel) Close() error { m.closed = true; return nil }

type fileLoader struct {
	mu     sync.Mutex
	loaded []*fileModel
	broken map[string]bool
}

func (l *fileLoader) load(path string) (Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := &fileModel{path: path, fail: l.broken[filepath.Base(path)]}
	l.loaded = append(l.loaded, m)
	return m, nil
}

func writeModel(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("onnx"), 0o644))
}

func TestReloaderPicksNewest(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "000001.onnx")
	writeModel(t, dir, "000002.onnx")
	writeModel(t, dir, "notes.txt")

	l := &fileLoader{}
	r, err := NewReloader(dir, "*.onnx", l.load)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, "000002.onnx", r.Name())
}

func TestReloaderSwapsOnNewFile(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "000001.onnx")

	l := &fileLoader{}
	r, err := NewReloader(dir, "*.onnx", l.load)
	require.NoError(t, err)
	defer r.Close()

	writeModel(t, dir, "000002.onnx")
	require.Eventually(t, func() bool {
		_, err := r.Evaluate(context.Background(), [][]float32{{0}})
		return err == nil && r.Name() == "000002.onnx"
	}, 5*time.Second, 10*time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	require.True(t, l.loaded[0].closed)
}

func TestReloaderRetriesWithNewerModelOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "000001.onnx")

	l := &fileLoader{broken: map[string]bool{"000001.onnx": true}}
	r, err := NewReloader(dir, "*.onnx", l.load)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Evaluate(context.Background(), [][]float32{{0}})
	require.Error(t, err, "no newer model to fall back to")

	// Bypass the watcher: the failure path rescans the directory itself.
	writeModel(t, dir, "000002.onnx")
	out, err := r.Evaluate(context.Background(), [][]float32{{0}, {0}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "000002.onnx", r.Name())
}

func TestReloaderEmptyDir(t *testing.T) {
	_, err := NewReloader(t.TempDir(), "*.onnx", (&fileLoader{}).load)
	require.Error(t, err)
}
