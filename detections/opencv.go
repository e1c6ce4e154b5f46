//go:build opencv

package detections

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// OpenCVSession runs the ONNX model through the OpenCV DNN module.
type OpenCVSession struct {
	net     gocv.Net
	blob    gocv.Mat
	hasBlob bool
	size    int
	out     []float32
}

func NewOpenCVSession(cfg SessionConfig) (Session, error) {
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendOpenCV); err != nil {
		net.Close()
		return nil, fmt.Errorf("set preferable backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("set preferable target: %w", err)
	}

	return &OpenCVSession{
		net:  net,
		size: cfg.InputSize,
		out:  make([]float32, (4+cfg.NumClasses)*NumAnchors(cfg.InputSize)),
	}, nil
}

func (s *OpenCVSession) Prepare(img *image.NRGBA) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("convert image to mat: %w", err)
	}
	defer mat.Close()

	if s.hasBlob {
		s.blob.Close()
	}
	// The frame is already letterboxed and RGB, so the blob only rescales.
	s.blob = gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(s.size, s.size), gocv.NewScalar(0, 0, 0, 0), false, false)
	s.hasBlob = true
	s.net.SetInput(s.blob, "")
	return nil
}

func (s *OpenCVSession) Run() ([]float32, error) {
	prob := s.net.Forward("")
	defer prob.Close()

	data, err := prob.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	if len(data) != len(s.out) {
		return nil, fmt.Errorf("unexpected output length: got %d, want %d", len(data), len(s.out))
	}
	copy(s.out, data)
	return s.out, nil
}

func (s *OpenCVSession) Destroy() error {
	if s.hasBlob {
		s.blob.Close()
		s.hasBlob = false
	}
	return s.net.Close()
}
