package detections

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/Sanaapathann/webrtc-vlm/models"
)

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

type Options struct {
	InputSize int
	Decode    DecodeOptions
}

// ProcessImage runs one forward pass of the model on img. The session must be
// held exclusively by the caller for the duration of the call.
func ProcessImage(ctx context.Context, img image.Image, session Session, labels Labels, opts Options, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &ProcessingError{Message: "empty image"}
	}

	lbStart := time.Now()
	frame, lb := LetterboxImage(img, opts.InputSize)
	timings.Letterbox = time.Since(lbStart)

	prepStart := time.Now()
	if err := session.Prepare(frame); err != nil {
		return nil, &ProcessingError{Message: "prepare input buffer", Cause: err}
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	output, err := session.Run()
	if err != nil {
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	detections, err := DecodeOutput(output, opts.Decode, lb, labels)
	if err != nil {
		return nil, &ProcessingError{Message: "process predictions", Cause: err}
	}
	timings.Postprocess = time.Since(postStart)

	return detections, nil
}
