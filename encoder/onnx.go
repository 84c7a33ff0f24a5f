package encoder

import (
	"context"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initONNXRuntime() error {
	ortInitOnce.Do(func() {
		if path := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNX wraps a pretrained ONNX model (VAE encoder or Inception feature
// extractor) behind the Encoder interface.
//
// The model must take a float32 NCHW image batch and produce one
// fixed-shape output per image. ONNX Runtime sessions are internally
// synchronized, so a single ONNX encoder may be shared across workers.
type ONNX struct {
	name        string
	imageSize   int
	outputShape []int
	inputName   string
	outputName  string

	session *ort.DynamicAdvancedSession
}

// NewONNX loads the model at cfg.ModelPath.
func NewONNX(cfg Config) (*ONNX, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("encoder: onnx model path is required")
	}
	if len(cfg.OutputShape) == 0 {
		return nil, fmt.Errorf("encoder: onnx output shape is required")
	}

	if err := initONNXRuntime(); err != nil {
		return nil, &EncodeError{Encoder: "onnx", cause: err}
	}

	modelData, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("encoder: read onnx model: %w", err)
	}

	inputName := cfg.InputName
	if inputName == "" {
		inputName = "input"
	}
	outputName := cfg.OutputName
	if outputName == "" {
		outputName = "output"
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		modelData,
		[]string{inputName},
		[]string{outputName},
		nil,
	)
	if err != nil {
		return nil, &EncodeError{Encoder: "onnx", cause: err}
	}

	return &ONNX{
		name:        fmt.Sprintf("onnx:%s", cfg.ModelPath),
		imageSize:   cfg.ImageSize,
		outputShape: cfg.OutputShape,
		inputName:   inputName,
		outputName:  outputName,
		session:     session,
	}, nil
}

// Name returns the encoder identity, including the model path.
func (e *ONNX) Name() string { return e.name }

// OutputShape returns the configured per-sample output shape.
func (e *ONNX) OutputShape() []int { return append([]int(nil), e.outputShape...) }

// Encode runs the model on the batch.
func (e *ONNX) Encode(ctx context.Context, images [][]float32) ([][]float32, error) {
	if err := validateBatch(e.name, images, e.imageSize); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := len(images)
	imgLen := 3 * e.imageSize * e.imageSize

	input := make([]float32, batch*imgLen)
	for i, img := range images {
		copy(input[i*imgLen:], img)
	}

	inShape := ort.NewShape(int64(batch), 3, int64(e.imageSize), int64(e.imageSize))
	inT, err := ort.NewTensor(inShape, input)
	if err != nil {
		return nil, &EncodeError{Encoder: e.name, cause: err}
	}
	defer inT.Destroy()

	outDims := make([]int64, 0, len(e.outputShape)+1)
	outDims = append(outDims, int64(batch))
	for _, d := range e.outputShape {
		outDims = append(outDims, int64(d))
	}

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(outDims...))
	if err != nil {
		return nil, &EncodeError{Encoder: e.name, cause: err}
	}
	defer outT.Destroy()

	if err := e.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, &EncodeError{Encoder: e.name, cause: err}
	}

	dim := Dim(e.outputShape)
	data := outT.GetData()

	out := make([][]float32, batch)
	for i := range out {
		out[i] = make([]float32, dim)
		copy(out[i], data[i*dim:(i+1)*dim])
	}
	return out, nil
}

// Close releases the underlying session.
func (e *ONNX) Close() error {
	if e.session != nil {
		err := e.session.Destroy()
		e.session = nil
		return err
	}
	return nil
}
