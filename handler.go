package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sanaapathann/webrtc-vlm/config"
	"github.com/Sanaapathann/webrtc-vlm/models"
	"go.uber.org/zap"
)

type frameRequest struct {
	FrameID   string
	CaptureTS *float64
	Image     []byte
}

// frameMessage is the JSON form of a frame, accepted by /infer and by the
// websocket stream. Image is base64, optionally as a data URL.
type frameMessage struct {
	FrameID   *string  `json:"frame_id"`
	CaptureTS *float64 `json:"capture_ts"`
	Image     string   `json:"image"`
}

func (m frameMessage) toRequest() (frameRequest, error) {
	if m.FrameID == nil {
		return frameRequest{}, errors.New(MsgMissingFrameID)
	}
	payload := m.Image
	if strings.HasPrefix(payload, "data:") {
		if i := strings.IndexByte(payload, ','); i >= 0 {
			payload = payload[i+1:]
		}
	}
	if payload == "" {
		return frameRequest{}, errors.New(MsgEmptyImage)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return frameRequest{}, fmt.Errorf("decode base64 image: %w", err)
	}
	return frameRequest{FrameID: *m.FrameID, CaptureTS: m.CaptureTS, Image: data}, nil
}

func handleInfer(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTotal := time.Now()
		received := state.now()
		ctx := r.Context()
		timings := &models.ProcessingTimings{RequestID: requestIDFromContext(ctx)}

		r.Body = http.MaxBytesReader(w, r.Body, state.Config.MaxUploadBytes())
		defer func() {
			if r.MultipartForm != nil {
				r.MultipartForm.RemoveAll()
			}
		}()

		var req frameRequest
		var err error
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch mediaType {
		case "application/json":
			req, err = handleJSONRequest(r)
		default:
			req, err = handleMultipartRequest(r, state.Config.MaxUploadBytes())
		}
		if err != nil {
			state.fail(w, r, err)
			return
		}

		response, err := state.processFrame(ctx, req, received, timings)
		if err != nil {
			state.fail(w, r, err)
			return
		}

		timings.Total = time.Since(startTotal)
		logTimings(state.Logger, timings)

		writeJSON(w, http.StatusOK, response)
	}
}

// processFrame decodes the frame, runs the detector once and shapes the
// response for the configured format.
func (s *AppState) processFrame(ctx context.Context, req frameRequest, received time.Time, timings *models.ProcessingTimings) (any, error) {
	timings.FrameID = req.FrameID
	if s.Config.ResponseFormat == config.FormatNormalized && req.CaptureTS == nil {
		return nil, errors.New(MsgMissingCaptureTS)
	}

	decodeStart := time.Now()
	img, err := decodeImage(req.Image)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, err
	}

	inferStart := time.Now()
	dets, err := s.Detector.Detect(ctx, img, timings)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(inferStart)

	res := frameResult{
		FrameID:       req.FrameID,
		Received:      received,
		InferenceDone: s.now(),
		Elapsed:       elapsed,
		Width:         img.Bounds().Dx(),
		Height:        img.Bounds().Dy(),
		Detections:    dets,
	}
	if req.CaptureTS != nil {
		res.CaptureTS = *req.CaptureTS
	}
	s.stats.recordSuccess(len(dets), elapsed)

	return buildResponse(s.Config.ResponseFormat, res, s.now()), nil
}

func (s *AppState) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.stats.recordFailure()
	s.Logger.Warn("inference request failed",
		zap.String("request_id", requestIDFromContext(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	sendErrorResponse(w, err.Error(), http.StatusInternalServerError)
}

func handleJSONRequest(r *http.Request) (frameRequest, error) {
	var msg frameMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		return frameRequest{}, fmt.Errorf("decode json body: %w", err)
	}
	return msg.toRequest()
}

// handleMultipartRequest reads the form fields file, frame_id and capture_ts.
// The whole form is held in memory so uploads never touch the disk.
func handleMultipartRequest(r *http.Request, maxBytes int64) (frameRequest, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return frameRequest{}, fmt.Errorf("parse multipart form: %w", err)
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return frameRequest{}, fmt.Errorf("%s: %w", MsgMissingFile, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return frameRequest{}, fmt.Errorf("read upload: %w", err)
	}

	values := r.MultipartForm.Value
	ids, ok := values["frame_id"]
	if !ok || len(ids) == 0 {
		return frameRequest{}, errors.New(MsgMissingFrameID)
	}
	req := frameRequest{FrameID: ids[0], Image: data}

	if ts, ok := values["capture_ts"]; ok && len(ts) > 0 {
		v, err := strconv.ParseFloat(strings.TrimSpace(ts[0]), 64)
		if err != nil {
			return frameRequest{}, fmt.Errorf("invalid capture_ts %q: %w", ts[0], err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return frameRequest{}, fmt.Errorf("invalid capture_ts %q: not a finite number", ts[0])
		}
		req.CaptureTS = &v
	}

	return req, nil
}

// writeJSON encodes v before the status line goes out, so an unencodable
// value still ends as a 500 error payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		sendErrorResponse(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func sendErrorResponse(w http.ResponseWriter, message string, status int) {
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{Error: message})
}
