package detections

const (
	DefaultInputSize     = 640
	DefaultConfThreshold = 0.25
	DefaultIoUThreshold  = 0.7
	DefaultMaxDetections = 300

	// PadValue is the gray level used to fill letterbox borders.
	PadValue = 114

	BackendONNXRuntime = "onnxruntime"
	BackendOpenCV      = "opencv"
)

// Strides of the three YOLOv8 detection heads. The input size must be a
// multiple of the largest one.
var Strides = []int{8, 16, 32}

// NumAnchors returns the number of candidate boxes the detection head emits
// for a square input of the given size (8400 for 640, 2100 for 320).
func NumAnchors(inputSize int) int {
	n := 0
	for _, s := range Strides {
		g := inputSize / s
		n += g * g
	}
	return n
}
