package modelruntime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/leafscan/internal/imageprocessor"
)

// ErrUnsupportedInputShape is returned when a model's declared input shape
// is not the NHWC layout Preprocess produces.
var ErrUnsupportedInputShape = errors.New("unsupported model input shape")

// ONNXBackend loads models with onnxruntime. The metadata sidecar next to
// the model provides tensor shapes and class names.
type ONNXBackend struct {
	SharedLibraryPath string
	InputName         string
	OutputName        string

	envOnce sync.Once
	envErr  error
}

// NewONNXBackend returns a backend using the conventional "input"/"output"
// tensor names.
func NewONNXBackend(sharedLibraryPath string) *ONNXBackend {
	return &ONNXBackend{
		SharedLibraryPath: sharedLibraryPath,
		InputName:         "input",
		OutputName:        "output",
	}
}

func (b *ONNXBackend) initEnvironment() error {
	b.envOnce.Do(func() {
		if b.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(b.SharedLibraryPath)
		}
		if ort.IsInitialized() {
			return
		}
		if err := ort.InitializeEnvironment(); err != nil {
			b.envErr = fmt.Errorf("initialize onnxruntime: %w", err)
		}
	})
	return b.envErr
}

// Load implements Backend.
func (b *ONNXBackend) Load(ctx context.Context, path string) (Session, Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, Metadata{}, err
	}
	meta, err := ReadMetadata(MetadataPath(path))
	if err != nil {
		return nil, Metadata{}, err
	}
	inputShape, err := checkInputShape(meta.InputShape)
	if err != nil {
		return nil, Metadata{}, err
	}
	if err := b.initEnvironment(); err != nil {
		return nil, Metadata{}, err
	}
	outputShape := meta.OutputShape
	if len(outputShape) == 0 {
		if len(meta.Classes) == 0 {
			return nil, Metadata{}, errors.New("model metadata declares neither output_shape nor classes")
		}
		outputShape = []int64{1, int64(len(meta.Classes))}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inputShape...))
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, Metadata{}, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{b.InputName}, []string{b.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, Metadata{}, fmt.Errorf("create onnx session: %w", err)
	}

	return &onnxSession{session: session, input: inputTensor, output: outputTensor}, meta, nil
}

// checkInputShape accepts only [1, InputSize, InputSize, Channels]. An empty
// declaration means that shape.
func checkInputShape(declared []int64) ([]int64, error) {
	want := []int64{1, imageprocessor.InputSize, imageprocessor.InputSize, imageprocessor.Channels}
	if len(declared) == 0 {
		return want, nil
	}
	if !slices.Equal(declared, want) {
		return nil, fmt.Errorf("%w: got %v, want %v (NHWC)", ErrUnsupportedInputShape, declared, want)
	}
	return declared, nil
}

// Shutdown tears down the onnxruntime environment. Call it once, after every
// session has been closed.
func (b *ONNXBackend) Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// onnxSession reuses one pair of native tensors, so runs are serialised.
type onnxSession struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *onnxSession) Run(ctx context.Context, t *imageprocessor.Tensor) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dst := s.input.GetData()
	if len(t.Data) != len(dst) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(t.Data), len(dst))
	}
	copy(dst, t.Data)

	if err := s.session.Run(); err != nil {
		return nil, err
	}

	scores := s.output.GetData()
	out := make([]float32, len(scores))
	copy(out, scores)
	return out, nil
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
		s.session = nil
	}
	if s.input != nil {
		errs = append(errs, s.input.Destroy())
		s.input = nil
	}
	if s.output != nil {
		errs = append(errs, s.output.Destroy())
		s.output = nil
	}
	return errors.Join(errs...)
}
