package verification

import (
	"context"
	"errors"
	"fmt"

	"go-attendance-verifier/avatar"
	"go-attendance-verifier/detector"
	"go-attendance-verifier/retry"
)

var (
	ErrInvalidImage        = errors.New("captured image could not be decoded")
	ErrUnusableReference   = errors.New("reference image does not contain exactly one face")
	ErrServiceUnavailable  = errors.New("verification service unavailable")
	ErrVerificationAborted = errors.New("verification aborted")
)

// classify maps I/O failures onto the user facing error taxonomy. Errors that
// already carry a sentinel pass through unchanged.
func classify(step string, err error) error {
	switch {
	case errors.Is(err, avatar.ErrNoReferenceImage),
		errors.Is(err, detector.ErrNoFaceDetected),
		errors.Is(err, detector.ErrMultipleFaces):
		return err
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w: %w", step, ErrVerificationAborted, err)
	case retry.IsExhausted(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", step, ErrServiceUnavailable, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}

// UserMessage is the text shown to the student for a failed verification.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, detector.ErrNoFaceDetected):
		return "No face detected. Please retake the photo with your face clearly visible."
	case errors.Is(err, detector.ErrMultipleFaces):
		return "Multiple faces detected. Please retake the photo with only your face in frame."
	case errors.Is(err, avatar.ErrNoReferenceImage):
		return "No reference image on file. Please set a profile photo before verifying attendance."
	case errors.Is(err, ErrUnusableReference):
		return "Your profile photo could not be used for verification. Please update it and try again."
	case errors.Is(err, ErrInvalidImage):
		return "The photo could not be read. Please retake it."
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrVerificationAborted):
		return "Verification is temporarily unavailable. Please try again."
	default:
		return "Verification failed. Please try again."
	}
}
