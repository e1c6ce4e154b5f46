package main

import (
	"github.com/Sanaapathann/webrtc-vlm/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment(zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.NewProduction(zap.AddStacktrace(zapcore.ErrorLevel), zap.AddCaller())
}

func logTimings(logger *zap.Logger, t *models.ProcessingTimings) {
	if ce := logger.Check(zapcore.DebugLevel, "processing times"); ce != nil {
		ce.Write(
			zap.String("request_id", t.RequestID),
			zap.String("frame_id", t.FrameID),
			zap.Duration("image_decode", t.ImageDecode),
			zap.Duration("letterbox", t.Letterbox),
			zap.Duration("preprocess", t.Preprocess),
			zap.Duration("inference", t.Inference),
			zap.Duration("postprocess", t.Postprocess),
			zap.Duration("total", t.Total),
		)
	}
}
