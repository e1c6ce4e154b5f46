package detections

import (
	"fmt"
	"image"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// Session is one loaded copy of the model. A Session is not safe for
// concurrent use; callers hand it out through a pool.
type Session interface {
	// Prepare loads a letterboxed frame into the model input.
	Prepare(img *image.NRGBA) error
	// Run executes the model on the prepared input and returns the raw
	// output tensor. The slice is only valid until the next Run.
	Run() ([]float32, error)
	Destroy() error
}

type SessionConfig struct {
	ModelPath      string
	InputName      string
	OutputName     string
	InputSize      int
	NumClasses     int
	IntraOpThreads int
	InterOpThreads int
}

// NewSession loads the model with the named backend.
func NewSession(backend string, cfg SessionConfig) (Session, error) {
	switch backend {
	case BackendONNXRuntime, "":
		s, err := NewModelSession(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendOpenCV:
		return NewOpenCVSession(cfg)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// ModelSession runs the model through ONNX Runtime with input and output
// tensors bound once at load time.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
	size    int
}

// NewModelSession creates an ONNX Runtime session. The runtime environment
// must already be initialized.
func NewModelSession(cfg SessionConfig) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	intra := cfg.IntraOpThreads
	if intra <= 0 {
		intra = runtime.NumCPU()
	}
	inter := cfg.InterOpThreads
	if inter <= 0 {
		inter = 1
	}
	if err := options.SetIntraOpNumThreads(intra); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(inter); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	size := int64(cfg.InputSize)
	inputShape := ort.NewShape(1, 3, size, size)
	outputShape := ort.NewShape(1, int64(4+cfg.NumClasses), int64(NumAnchors(cfg.InputSize)))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
		size:    cfg.InputSize,
	}, nil
}

func (m *ModelSession) Prepare(img *image.NRGBA) error {
	if b := img.Bounds(); b.Dx() != m.size || b.Dy() != m.size {
		return fmt.Errorf("input is %dx%d, model expects %dx%d", b.Dx(), b.Dy(), m.size, m.size)
	}
	fillCHW(m.Input.GetData(), img, m.size)
	return nil
}

func (m *ModelSession) Run() ([]float32, error) {
	if err := m.Session.Run(); err != nil {
		return nil, err
	}
	return m.Output.GetData(), nil
}

func (m *ModelSession) Destroy() error {
	var err error
	if m.Session != nil {
		err = multierr.Append(err, m.Session.Destroy())
	}
	if m.Input != nil {
		err = multierr.Append(err, m.Input.Destroy())
	}
	if m.Output != nil {
		err = multierr.Append(err, m.Output.Destroy())
	}
	return err
}
