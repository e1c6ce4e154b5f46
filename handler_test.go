package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sanaapathann/webrtc-vlm/config"
	"github.com/Sanaapathann/webrtc-vlm/detections"
	"github.com/Sanaapathann/webrtc-vlm/models"
	"go.uber.org/zap"
	"go.viam.com/test"
)

var fixedNow = time.Unix(1700000000, 500000000)

type fakeDetector struct {
	detections []models.Detection
	err        error
	panicWith  string
	calls      atomic.Int64
	lastBounds image.Rectangle
}

func (d *fakeDetector) Detect(_ context.Context, img image.Image, _ *models.ProcessingTimings) ([]models.Detection, error) {
	d.calls.Add(1)
	if d.panicWith != "" {
		panic(d.panicWith)
	}
	d.lastBounds = img.Bounds()
	return d.detections, d.err
}

func (d *fakeDetector) Labels() detections.Labels {
	return detections.Labels{"person", "car"}
}

func newTestState(t *testing.T, format string, detector Detector) *AppState {
	t.Helper()
	cfg := config.Default()
	cfg.ResponseFormat = format
	state := newAppState(cfg, detector, nil, zap.NewNop())
	state.now = func() time.Time { return fixedNow }
	return state
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, img), test.ShouldBeNil)
	return buf.Bytes()
}

// newInferRequest builds a multipart /infer request. A nil file omits the
// file part.
func newInferRequest(t *testing.T, file []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if file != nil {
		fw, err := mw.CreateFormFile("file", "frame.png")
		test.That(t, err, test.ShouldBeNil)
		_, err = fw.Write(file)
		test.That(t, err, test.ShouldBeNil)
	}
	for k, v := range fields {
		test.That(t, mw.WriteField(k, v), test.ShouldBeNil)
	}
	test.That(t, mw.Close(), test.ShouldBeNil)

	req := httptest.NewRequest(http.MethodPost, "/infer", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	test.That(t, json.NewDecoder(rec.Body).Decode(&resp), test.ShouldBeNil)
	return resp.Error
}

var sampleDetections = []models.Detection{
	{ClassID: 0, Label: "person", Confidence: 0.875, Box: [4]float32{20, 10, 100, 50}},
	{ClassID: 1, Label: "car", Confidence: 0.5, Box: [4]float32{0, 0, 200, 100}},
}

func TestInferNormalized(t *testing.T) {
	detector := &fakeDetector{detections: sampleDetections}
	router := newRouter(newTestState(t, config.FormatNormalized, detector))

	rec := serve(router, newInferRequest(t, encodePNG(t, 200, 100), map[string]string{
		"frame_id":   "frame-7",
		"capture_ts": "1699999999.25",
	}))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("Content-Type"), test.ShouldEqual, "application/json")
	test.That(t, rec.Header().Get(requestIDHeader), test.ShouldNotBeEmpty)

	var resp NormalizedResponse
	test.That(t, json.NewDecoder(rec.Body).Decode(&resp), test.ShouldBeNil)
	test.That(t, resp.FrameID, test.ShouldEqual, "frame-7")
	test.That(t, resp.CaptureTS, test.ShouldEqual, 1699999999.25)
	test.That(t, resp.RecvTS, test.ShouldEqual, unixSeconds(fixedNow))
	test.That(t, resp.InferenceTS, test.ShouldBeGreaterThanOrEqualTo, resp.RecvTS)
	test.That(t, resp.Detections, test.ShouldHaveLength, len(sampleDetections))
	test.That(t, detector.lastBounds, test.ShouldResemble, image.Rect(0, 0, 200, 100))

	first := resp.Detections[0]
	test.That(t, first.Label, test.ShouldEqual, "person")
	test.That(t, first.Score, test.ShouldEqual, 0.875)
	test.That(t, first.XMin, test.ShouldAlmostEqual, 0.1, 1e-9)
	test.That(t, first.YMin, test.ShouldAlmostEqual, 0.1, 1e-9)
	test.That(t, first.XMax, test.ShouldAlmostEqual, 0.5, 1e-9)
	test.That(t, first.YMax, test.ShouldAlmostEqual, 0.5, 1e-9)

	for _, d := range resp.Detections {
		test.That(t, d.XMin, test.ShouldBeGreaterThanOrEqualTo, 0)
		test.That(t, d.YMin, test.ShouldBeGreaterThanOrEqualTo, 0)
		test.That(t, d.XMin, test.ShouldBeLessThanOrEqualTo, d.XMax)
		test.That(t, d.YMin, test.ShouldBeLessThanOrEqualTo, d.YMax)
		test.That(t, d.XMax, test.ShouldBeLessThanOrEqualTo, 1)
		test.That(t, d.YMax, test.ShouldBeLessThanOrEqualTo, 1)
	}
}

func TestInferPixel(t *testing.T) {
	detector := &fakeDetector{detections: sampleDetections}
	router := newRouter(newTestState(t, config.FormatPixel, detector))

	// capture_ts is not needed for pixel responses
	rec := serve(router, newInferRequest(t, encodePNG(t, 200, 100), map[string]string{"frame_id": "42"}))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)

	var resp PixelResponse
	test.That(t, json.NewDecoder(rec.Body).Decode(&resp), test.ShouldBeNil)
	test.That(t, resp.FrameID, test.ShouldEqual, "42")
	test.That(t, resp.CaptureTS, test.ShouldEqual, unixSeconds(fixedNow))
	test.That(t, resp.InferenceTime, test.ShouldBeGreaterThanOrEqualTo, 0)
	test.That(t, resp.Detections, test.ShouldHaveLength, 2)
	test.That(t, resp.Detections[0].Confidence, test.ShouldEqual, 0.875)
	test.That(t, resp.Detections[0].Box, test.ShouldResemble, [4]float64{20, 10, 100, 50})
	test.That(t, resp.Detections[1].Box, test.ShouldResemble, [4]float64{0, 0, 200, 100})
}

func TestInferEmptyDetections(t *testing.T) {
	router := newRouter(newTestState(t, config.FormatNormalized, &fakeDetector{}))

	rec := serve(router, newInferRequest(t, encodePNG(t, 8, 8), map[string]string{
		"frame_id":   "",
		"capture_ts": "1",
	}))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, `"detections":[]`)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, `"frame_id":""`)
}

func TestInferErrors(t *testing.T) {
	frame := encodePNG(t, 16, 16)

	for _, tc := range []struct {
		name    string
		format  string
		file    []byte
		fields  map[string]string
		wantErr string
	}{
		{
			name:    "missing capture_ts",
			format:  config.FormatNormalized,
			file:    frame,
			fields:  map[string]string{"frame_id": "a"},
			wantErr: MsgMissingCaptureTS,
		},
		{
			name:    "missing frame_id",
			format:  config.FormatPixel,
			file:    frame,
			fields:  map[string]string{"capture_ts": "1"},
			wantErr: MsgMissingFrameID,
		},
		{
			name:    "missing file",
			format:  config.FormatPixel,
			fields:  map[string]string{"frame_id": "a"},
			wantErr: MsgMissingFile,
		},
		{
			name:    "invalid capture_ts",
			format:  config.FormatNormalized,
			file:    frame,
			fields:  map[string]string{"frame_id": "a", "capture_ts": "yesterday"},
			wantErr: "invalid capture_ts",
		},
		{
			name:    "non finite capture_ts",
			format:  config.FormatNormalized,
			file:    frame,
			fields:  map[string]string{"frame_id": "a", "capture_ts": "NaN"},
			wantErr: "not a finite number",
		},
		{
			name:    "infinite capture_ts",
			format:  config.FormatNormalized,
			file:    frame,
			fields:  map[string]string{"frame_id": "a", "capture_ts": "+Inf"},
			wantErr: "not a finite number",
		},
		{
			name:    "not an image",
			format:  config.FormatNormalized,
			file:    []byte("definitely not a jpeg"),
			fields:  map[string]string{"frame_id": "a", "capture_ts": "1"},
			wantErr: "decode image",
		},
		{
			name:    "empty upload",
			format:  config.FormatPixel,
			file:    []byte{},
			fields:  map[string]string{"frame_id": "a"},
			wantErr: MsgEmptyImage,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			detector := &fakeDetector{}
			router := newRouter(newTestState(t, tc.format, detector))

			rec := serve(router, newInferRequest(t, tc.file, tc.fields))
			test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)
			test.That(t, decodeError(t, rec), test.ShouldContainSubstring, tc.wantErr)
			test.That(t, detector.calls.Load(), test.ShouldEqual, int64(0))
		})
	}
}

func TestInferKeepsServingAfterFailure(t *testing.T) {
	detector := &fakeDetector{detections: sampleDetections}
	state := newTestState(t, config.FormatNormalized, detector)
	router := newRouter(state)

	rec := serve(router, newInferRequest(t, []byte{0xff, 0xd8, 0x00}, map[string]string{"frame_id": "bad", "capture_ts": "1"}))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)
	test.That(t, decodeError(t, rec), test.ShouldNotBeEmpty)

	rec = serve(router, newInferRequest(t, encodePNG(t, 10, 10), map[string]string{"frame_id": "good", "capture_ts": "2"}))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)

	test.That(t, state.stats.requests.Load(), test.ShouldEqual, int64(2))
	test.That(t, state.stats.failures.Load(), test.ShouldEqual, int64(1))
	test.That(t, state.stats.detections.Load(), test.ShouldEqual, int64(2))
}

func TestInferDetectorFailure(t *testing.T) {
	detector := &fakeDetector{err: errors.New("acquire model session: context canceled")}
	router := newRouter(newTestState(t, config.FormatNormalized, detector))

	rec := serve(router, newInferRequest(t, encodePNG(t, 10, 10), map[string]string{"frame_id": "a", "capture_ts": "1"}))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)
	test.That(t, decodeError(t, rec), test.ShouldEqual, "acquire model session: context canceled")
}

func TestInferPanicIsRecovered(t *testing.T) {
	detector := &fakeDetector{panicWith: "tensor shape exploded"}
	router := newRouter(newTestState(t, config.FormatNormalized, detector))

	rec := serve(router, newInferRequest(t, encodePNG(t, 10, 10), map[string]string{"frame_id": "a", "capture_ts": "1"}))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)
	test.That(t, decodeError(t, rec), test.ShouldEqual, "tensor shape exploded")

	detector.panicWith = ""
	rec = serve(router, newInferRequest(t, encodePNG(t, 10, 10), map[string]string{"frame_id": "b", "capture_ts": "1"}))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
}

func TestInferJSONBody(t *testing.T) {
	detector := &fakeDetector{detections: sampleDetections[:1]}
	router := newRouter(newTestState(t, config.FormatNormalized, detector))

	encoded := base64.StdEncoding.EncodeToString(encodePNG(t, 200, 100))
	for _, payload := range []string{encoded, "data:image/png;base64," + encoded} {
		body := `{"frame_id":"j1","capture_ts":12.5,"image":"` + payload + `"}`
		req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		rec := serve(router, req)
		test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)

		var resp NormalizedResponse
		test.That(t, json.NewDecoder(rec.Body).Decode(&resp), test.ShouldBeNil)
		test.That(t, resp.FrameID, test.ShouldEqual, "j1")
		test.That(t, resp.CaptureTS, test.ShouldEqual, 12.5)
		test.That(t, resp.Detections, test.ShouldHaveLength, 1)
	}

	req := httptest.NewRequest(http.MethodPost, "/infer", strings.NewReader(`{"capture_ts":1,"image":"`+encoded+`"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(router, req)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)
	test.That(t, decodeError(t, rec), test.ShouldEqual, MsgMissingFrameID)
}

func TestInferBodyTooLarge(t *testing.T) {
	state := newTestState(t, config.FormatPixel, &fakeDetector{})
	state.Config.MaxUploadMB = 1
	router := newRouter(state)

	rec := serve(router, newInferRequest(t, bytes.Repeat([]byte{1}, 2<<20), map[string]string{"frame_id": "big"}))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)
	test.That(t, decodeError(t, rec), test.ShouldNotBeEmpty)
}

func TestInferMethodNotAllowed(t *testing.T) {
	router := newRouter(newTestState(t, config.FormatNormalized, &fakeDetector{}))
	rec := serve(router, httptest.NewRequest(http.MethodGet, "/infer", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusMethodNotAllowed)
}

func TestRequestIDIsPropagated(t *testing.T) {
	router := newRouter(newTestState(t, config.FormatNormalized, &fakeDetector{}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")

	rec := serve(router, req)
	test.That(t, rec.Header().Get(requestIDHeader), test.ShouldEqual, "abc-123")
}

func TestCORS(t *testing.T) {
	router := newRouter(newTestState(t, config.FormatNormalized, &fakeDetector{}))

	req := httptest.NewRequest(http.MethodOptions, "/infer", nil)
	req.Header.Set("Origin", "http://viewer.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := serve(router, req)
	test.That(t, rec.Code, test.ShouldBeLessThan, 300)
	test.That(t, rec.Header().Get("Access-Control-Allow-Origin"), test.ShouldEqual, "*")

	req = newInferRequest(t, encodePNG(t, 4, 4), map[string]string{"frame_id": "a", "capture_ts": "1"})
	req.Header.Set("Origin", "http://viewer.test")
	rec = serve(router, req)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("Access-Control-Allow-Origin"), test.ShouldEqual, "*")
}

func TestWriteJSONUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, NormalizedResponse{CaptureTS: math.NaN()})
	test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)
	test.That(t, rec.Header().Get("Content-Type"), test.ShouldEqual, "application/json")
	test.That(t, decodeError(t, rec), test.ShouldContainSubstring, "encode response")
}
