package main

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Sanaapathann/webrtc-vlm/detections"
	"github.com/gorilla/mux"
)

func newRouter(state *AppState) http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, accessLogMiddleware(state.Logger), recoverMiddleware(state.Logger))

	r.HandleFunc("/infer", handleInfer(state)).Methods(http.MethodPost)
	r.HandleFunc("/ws", handleStream(state)).Methods(http.MethodGet)
	state.addMonitoringRoutes(r)

	return corsMiddleware(state.Config.CORSOrigins).Handler(r)
}

type requestStats struct {
	requests       atomic.Int64
	failures       atomic.Int64
	detections     atomic.Int64
	inferenceNanos atomic.Int64
}

func (s *requestStats) recordSuccess(detections int, inference time.Duration) {
	s.requests.Add(1)
	s.detections.Add(int64(detections))
	s.inferenceNanos.Add(int64(inference))
}

func (s *requestStats) recordFailure() {
	s.requests.Add(1)
	s.failures.Add(1)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/labels", s.handleLabels).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"message": MsgHealthy,
		"time":    s.now().UTC().Format(time.RFC3339),
	})
}

func (s *AppState) handleInfo(w http.ResponseWriter, _ *http.Request) {
	cfg := s.Config
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend":         cfg.Backend,
		"model":           cfg.ModelPath,
		"input_size":      cfg.InputSize,
		"conf_threshold":  cfg.ConfThreshold,
		"iou_threshold":   cfg.IoUThreshold,
		"max_detections":  cfg.MaxDetections,
		"response_format": cfg.ResponseFormat,
		"pool_size":       cfg.PoolSize,
		"num_labels":      len(s.Detector.Labels()),
		"cpu_features":    detections.CPUFeatures(),
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
	})
}

func (s *AppState) handleLabels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"labels": s.Detector.Labels(),
	})
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	requests := s.stats.requests.Load()
	failures := s.stats.failures.Load()
	response := map[string]interface{}{
		"requests_total":   requests,
		"requests_failed":  failures,
		"detections_total": s.stats.detections.Load(),
	}
	if ok := requests - failures; ok > 0 {
		response["avg_inference_ms"] = float64(s.stats.inferenceNanos.Load()) / float64(ok) / 1e6
	}

	if s.Pool != nil {
		metrics := s.Pool.GetMetrics()
		response["pool_size"] = metrics.Size
		response["sessions_in_use"] = metrics.InUse
		response["total_acquired"] = metrics.TotalAcquired
		response["total_released"] = metrics.TotalReleased
		response["acquire_failures"] = metrics.AcquireFailures
		response["avg_acquire_wait_ms"] = float64(metrics.AverageWait) / 1e6
	}

	writeJSON(w, http.StatusOK, response)
}
