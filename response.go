package main

import (
	"time"

	"github.com/Sanaapathann/webrtc-vlm/config"
	"github.com/Sanaapathann/webrtc-vlm/models"
)

// NormalizedResponse carries boxes as fractions of the image size.
type NormalizedResponse struct {
	FrameID     string                `json:"frame_id"`
	CaptureTS   float64               `json:"capture_ts"`
	RecvTS      float64               `json:"recv_ts"`
	InferenceTS float64               `json:"inference_ts"`
	Detections  []NormalizedDetection `json:"detections"`
}

type NormalizedDetection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	XMin  float64 `json:"xmin"`
	YMin  float64 `json:"ymin"`
	XMax  float64 `json:"xmax"`
	YMax  float64 `json:"ymax"`
}

// PixelResponse carries boxes in source image pixels. CaptureTS is the time
// the response was built, not the client's capture time.
type PixelResponse struct {
	FrameID       string           `json:"frame_id"`
	CaptureTS     float64          `json:"capture_ts"`
	InferenceTime float64          `json:"inference_time"`
	Detections    []PixelDetection `json:"detections"`
}

type PixelDetection struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// frameResult is everything a response needs from one processed frame.
type frameResult struct {
	FrameID       string
	CaptureTS     float64
	Received      time.Time
	InferenceDone time.Time
	Elapsed       time.Duration
	Width         int
	Height        int
	Detections    []models.Detection
}

func buildResponse(format string, res frameResult, now time.Time) any {
	if format == config.FormatPixel {
		return newPixelResponse(res, now)
	}
	return newNormalizedResponse(res)
}

func newNormalizedResponse(res frameResult) NormalizedResponse {
	w, h := float64(res.Width), float64(res.Height)
	dets := make([]NormalizedDetection, 0, len(res.Detections))
	for _, d := range res.Detections {
		dets = append(dets, NormalizedDetection{
			Label: d.Label,
			Score: float64(d.Confidence),
			XMin:  float64(d.Box[0]) / w,
			YMin:  float64(d.Box[1]) / h,
			XMax:  float64(d.Box[2]) / w,
			YMax:  float64(d.Box[3]) / h,
		})
	}

	return NormalizedResponse{
		FrameID:     res.FrameID,
		CaptureTS:   res.CaptureTS,
		RecvTS:      unixSeconds(res.Received),
		InferenceTS: unixSeconds(res.InferenceDone),
		Detections:  dets,
	}
}

func newPixelResponse(res frameResult, now time.Time) PixelResponse {
	dets := make([]PixelDetection, 0, len(res.Detections))
	for _, d := range res.Detections {
		dets = append(dets, PixelDetection{
			Label:      d.Label,
			Confidence: float64(d.Confidence),
			Box: [4]float64{
				float64(d.Box[0]),
				float64(d.Box[1]),
				float64(d.Box[2]),
				float64(d.Box[3]),
			},
		})
	}

	return PixelResponse{
		FrameID:       res.FrameID,
		CaptureTS:     unixSeconds(now),
		InferenceTime: res.Elapsed.Seconds(),
		Detections:    dets,
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
