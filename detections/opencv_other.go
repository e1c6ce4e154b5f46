//go:build !opencv

package detections

import "errors"

var ErrOpenCVUnavailable = errors.New("opencv backend not compiled in, rebuild with -tags opencv")

func NewOpenCVSession(SessionConfig) (Session, error) {
	return nil, ErrOpenCVUnavailable
}
