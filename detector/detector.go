// Package detector talks to the on-device or remote face detection service and
// converts its output into facematch geometry.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go-attendance-verifier/facematch"
	"go-attendance-verifier/retry"
)

var (
	ErrNoFaceDetected = errors.New("no face detected")
	ErrMultipleFaces  = errors.New("multiple faces detected")
)

// Detector finds faces in an encoded image.
type Detector interface {
	Detect(ctx context.Context, image []byte) (facematch.DetectionResult, error)
}

// RequireSingleFace rejects results that do not contain exactly one face.
func RequireSingleFace(result facematch.DetectionResult) error {
	switch n := len(result.Faces); {
	case n == 0:
		return ErrNoFaceDetected
	case n > 1:
		return fmt.Errorf("%w: found %d", ErrMultipleFaces, n)
	}
	return nil
}

// RetryingDetector retries transient detection failures with the given policy.
type RetryingDetector struct {
	Detector Detector
	Policy   retry.Policy
}

func NewRetryingDetector(d Detector, p retry.Policy) *RetryingDetector {
	return &RetryingDetector{Detector: d, Policy: p}
}

func (r *RetryingDetector) Detect(ctx context.Context, image []byte) (facematch.DetectionResult, error) {
	return retry.DoValue(ctx, r.Policy, func(ctx context.Context, attempt int) (facematch.DetectionResult, error) {
		res, err := r.Detector.Detect(ctx, image)
		if err != nil {
			slog.Warn("Face detection attempt failed", "attempt", attempt, "error", err)
			return res, err
		}
		return res, nil
	})
}

// wire format shared by the HTTP and MQTT detectors
type detectRequest struct {
	Image string `json:"image"`
}

type wireFace struct {
	Bounds             facematch.Rect             `json:"bounds"`
	RollAngle          *float64                   `json:"roll_angle,omitempty"`
	YawAngle           *float64                   `json:"yaw_angle,omitempty"`
	Landmarks          map[string]facematch.Point `json:"landmarks,omitempty"`
	SmilingProbability *float64                   `json:"smiling_probability,omitempty"`
}

type detectResponse struct {
	Width  int        `json:"width"`
	Height int        `json:"height"`
	Faces  []wireFace `json:"faces"`
	Error  string     `json:"error,omitempty"`
}

func (r detectResponse) toResult() facematch.DetectionResult {
	res := facematch.DetectionResult{
		ImageWidth:  r.Width,
		ImageHeight: r.Height,
		Faces:       make([]facematch.Face, 0, len(r.Faces)),
	}
	for _, wf := range r.Faces {
		f := facematch.Face{
			Bounds:             wf.Bounds,
			RollAngle:          wf.RollAngle,
			YawAngle:           wf.YawAngle,
			SmilingProbability: wf.SmilingProbability,
		}
		if len(wf.Landmarks) > 0 {
			f.Landmarks = make(map[facematch.LandmarkName]facematch.Point, len(wf.Landmarks))
			for name, p := range wf.Landmarks {
				f.Landmarks[facematch.ParseLandmarkName(name)] = p
			}
		}
		res.Faces = append(res.Faces, f)
	}
	return res
}
