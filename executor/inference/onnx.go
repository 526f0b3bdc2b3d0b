package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/brensch/gozero/executor/convert"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	ort "github.com/yalue/onnxruntime_go"
)

const ValueSize = 1

type OnnxConfig struct {
	// DisableCUDA forces the CPU provider.
	DisableCUDA bool
	// PolicyLogits means the policy head is exported without a softmax.
	PolicyLogits bool
}

// OnnxModel runs an exported network through ONNX Runtime. Inputs are
// [B, Channels, N, N]; outputs are "policy" [B, PolicySize] and "value" [B, 1].
type OnnxModel struct {
	path    string
	cfg     OnnxConfig
	session *ort.DynamicAdvancedSession
}

var ortInitOnce sync.Once
var ortInitErr error

func initRuntime() error {
	if runtime.GOOS == "linux" {
		cwd, _ := os.Getwd()
		dirs := libraryDirs(cwd, os.Getenv("LD_LIBRARY_PATH"))
		if lib := findSharedLibrary(os.Getenv("ORT_SHARED_LIBRARY_PATH"), dirs); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return fmt.Errorf("failed to init ort: %w", ortInitErr)
	}
	return nil
}

func NewOnnxModel(modelPath string, cfg OnnxConfig) (*OnnxModel, error) {
	if err := initRuntime(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	// Many batchers share the GPU; keep ORT's own thread pools small.
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	if !cfg.DisableCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err == nil {
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				log.Warn().Err(err).Msg("failed to append CUDA provider, using CPU")
			} else {
				log.Info().Str("model", modelPath).Msg("CUDA provider enabled")
			}
		} else {
			log.Warn().Err(err).Msg("failed to create CUDA options, using CPU")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{"input"}, []string{"policy", "value"}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", modelPath, err)
	}

	return &OnnxModel{path: modelPath, cfg: cfg, session: session}, nil
}

// libraryDirs lists where the ONNX Runtime shared library is looked for:
// the working directory, LD_LIBRARY_PATH and the onnxruntime wheel of a
// project .venv.
func libraryDirs(cwd, ldLibraryPath string) []string {
	dirs := append([]string{cwd}, filepath.SplitList(ldLibraryPath)...)
	if cwd != "" {
		wheels, _ := filepath.Glob(filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "onnxruntime", "capi"))
		dirs = append(dirs, wheels...)
	}
	return lo.Uniq(lo.Compact(dirs))
}

// findSharedLibrary picks the library to load, or "" to keep the binding's
// default. An explicit path wins; otherwise the first directory holding a
// libonnxruntime.so* does, preferring the unversioned name.
func findSharedLibrary(explicit string, dirs []string) string {
	if explicit != "" {
		return explicit
	}
	for _, dir := range dirs {
		if matches, _ := filepath.Glob(filepath.Join(dir, "libonnxruntime.so*")); len(matches) > 0 {
			return matches[0]
		}
	}
	return ""
}

func (m *OnnxModel) Name() string {
	return filepath.Base(m.path)
}

func (m *OnnxModel) Close() error {
	return m.session.Destroy()
}

func (m *OnnxModel) Evaluate(ctx context.Context, batch [][]float32) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int64(len(batch))
	if n == 0 {
		return nil, nil
	}

	input := make([]float32, 0, len(batch)*convert.FloatSize)
	for i, features := range batch {
		if len(features) != convert.FloatSize {
			return nil, fmt.Errorf("input %d has %d floats, want %d", i, len(features), convert.FloatSize)
		}
		input = append(input, features...)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(n, convert.Channels, convert.Height, convert.Width), input)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(n, convert.PolicySize))
	if err != nil {
		return nil, fmt.Errorf("policy tensor: %w", err)
	}
	defer policyTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(n, ValueSize))
	if err != nil {
		return nil, fmt.Errorf("value tensor: %w", err)
	}
	defer valueTensor.Destroy()

	if err := m.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor}); err != nil {
		return nil, fmt.Errorf("run %s: %w", m.Name(), err)
	}

	policyData := policyTensor.GetData()
	valueData := valueTensor.GetData()

	out := make([]Result, len(batch))
	for i := range out {
		row := policyData[i*convert.PolicySize : (i+1)*convert.PolicySize]
		var policy []float32
		if m.cfg.PolicyLogits {
			policy = softmax(row)
		} else {
			policy = make([]float32, convert.PolicySize)
			copy(policy, row)
		}
		out[i] = Result{Policy: policy, Value: valueData[i*ValueSize]}
	}
	return out, nil
}
