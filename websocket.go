package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sanaapathann/webrtc-vlm/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const streamWriteWait = 10 * time.Second

func newUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowed["*"] || origin == "" || allowed[origin]
		},
	}
}

// handleStream serves a frame stream over a websocket. Each text message is a
// JSON frame and gets exactly one reply: the detection response, or an error
// payload after which the stream keeps going.
func handleStream(state *AppState) http.HandlerFunc {
	upgrader := newUpgrader(state.Config.CORSOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			state.Logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		// base64 inflates the image by a third
		conn.SetReadLimit(state.Config.MaxUploadBytes()*4/3 + 1024)

		ctx := r.Context()
		streamID := requestIDFromContext(ctx)
		logger := state.Logger.With(zap.String("stream_id", streamID))
		logger.Info("stream opened", zap.String("remote", r.RemoteAddr))

		frames := 0
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn("stream read failed", zap.Error(err))
				}
				break
			}
			received := state.now()
			startTotal := time.Now()
			frames++

			reply, timings, err := state.processStreamMessage(ctx, messageType, data, received)
			if err != nil {
				state.stats.recordFailure()
				logger.Warn("stream frame failed", zap.Int("frame", frames), zap.Error(err))
				reply = ErrorResponse{Error: err.Error()}
			} else {
				timings.Total = time.Since(startTotal)
				logTimings(logger, timings)
			}

			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(reply); err != nil {
				logger.Warn("stream write failed", zap.Error(err))
				break
			}
		}

		logger.Info("stream closed", zap.Int("frames", frames))
	}
}

func (s *AppState) processStreamMessage(ctx context.Context, messageType int, data []byte, received time.Time) (any, *models.ProcessingTimings, error) {
	if messageType != websocket.TextMessage {
		return nil, nil, errors.New(MsgBinaryFrame)
	}

	var msg frameMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("decode json frame: %w", err)
	}
	req, err := msg.toRequest()
	if err != nil {
		return nil, nil, err
	}

	timings := &models.ProcessingTimings{RequestID: uuid.NewString()}
	response, err := s.processFrame(ctx, req, received, timings)
	if err != nil {
		return nil, nil, err
	}
	return response, timings, nil
}
