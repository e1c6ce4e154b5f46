package detections

import (
	"fmt"
	"sort"

	"github.com/Sanaapathann/webrtc-vlm/models"
)

type DecodeOptions struct {
	NumClasses    int
	ConfThreshold float32
	IoUThreshold  float32
	MaxDetections int
}

type candidate struct {
	classID int
	score   float32
	box     [4]float32 // x1, y1, x2, y2 in model input space
}

// DecodeOutput turns a YOLOv8 head output of shape [1, 4+C, A] into
// detections in source image pixels. Rows 0-3 hold box center and size, rows
// 4.. hold per-class probabilities.
func DecodeOutput(predictions []float32, opts DecodeOptions, lb Letterbox, labels Labels) ([]models.Detection, error) {
	rows := 4 + opts.NumClasses
	if opts.NumClasses <= 0 || len(predictions) == 0 || len(predictions)%rows != 0 {
		return nil, fmt.Errorf("unexpected predictions length %d for %d classes", len(predictions), opts.NumClasses)
	}
	numPredictions := len(predictions) / rows

	candidates := make([]candidate, 0, 100)
	for i := 0; i < numPredictions; i++ {
		classID, score := 0, float32(0)
		for c := 0; c < opts.NumClasses; c++ {
			if p := predictions[(4+c)*numPredictions+i]; p > score {
				classID, score = c, p
			}
		}
		if score <= 0 || score < opts.ConfThreshold {
			continue
		}
		if score > 1 {
			score = 1
		}

		cx := predictions[i]
		cy := predictions[numPredictions+i]
		w := predictions[2*numPredictions+i]
		h := predictions[3*numPredictions+i]

		candidates = append(candidates, candidate{
			classID: classID,
			score:   score,
			box:     [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
		})
	}

	kept := nonMaxSuppression(candidates, opts.IoUThreshold, opts.MaxDetections)

	detections := make([]models.Detection, 0, len(kept))
	for _, c := range kept {
		detections = append(detections, models.Detection{
			ClassID:    c.classID,
			Label:      labels.Name(c.classID),
			Confidence: c.score,
			Box:        lb.ToSource(c.box),
		})
	}
	return detections, nil
}

// nonMaxSuppression keeps the highest scoring box of every overlapping group
// of the same class. The result is ordered by score, highest first.
func nonMaxSuppression(candidates []candidate, iouThreshold float32, maxDetections int) []candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	suppressed := make([]bool, len(candidates))
	kept := make([]candidate, 0, len(candidates))
	for i := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, candidates[i])
		if maxDetections > 0 && len(kept) == maxDetections {
			break
		}
		for j := i + 1; j < len(candidates); j++ {
			if suppressed[j] || candidates[j].classID != candidates[i].classID {
				continue
			}
			if calculateIOU(candidates[i].box, candidates[j].box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func calculateIOU(box1, box2 [4]float32) float32 {
	x1 := max(box1[0], box2[0])
	y1 := max(box1[1], box2[1])
	x2 := min(box1[2], box2[2])
	y2 := min(box1[3], box2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (box1[2] - box1[0]) * (box1[3] - box1[1])
	area2 := (box2[2] - box2[0]) * (box2[3] - box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}
