package main

import (
	"context"
	"fmt"
	"image"

	"github.com/Sanaapathann/webrtc-vlm/detections"
	"github.com/Sanaapathann/webrtc-vlm/models"
)

// Detector finds objects in a decoded image.
type Detector interface {
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error)
	Labels() detections.Labels
}

// PoolDetector runs each request on a session borrowed from the pool.
type PoolDetector struct {
	pool   *ModelSessionPool
	labels detections.Labels
	opts   detections.Options
}

func NewPoolDetector(pool *ModelSessionPool, labels detections.Labels, opts detections.Options) *PoolDetector {
	return &PoolDetector{pool: pool, labels: labels, opts: opts}
}

func (d *PoolDetector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	session, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire model session: %w", err)
	}
	defer d.pool.Release(session)

	return detections.ProcessImage(ctx, img, session, d.labels, d.opts, timings)
}

func (d *PoolDetector) Labels() detections.Labels {
	return d.labels
}
