package models

import "time"

// Detection is one object instance reported by the model. Box holds
// x1, y1, x2, y2 in source image pixels, clipped to the image bounds.
type Detection struct {
	ClassID    int
	Label      string
	Confidence float32
	Box        [4]float32
}

type ProcessingTimings struct {
	RequestID   string
	FrameID     string
	ImageDecode time.Duration
	Letterbox   time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
