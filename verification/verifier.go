// Package verification runs the attendance check: reference photo lookup,
// face detection on both photos, scoring, fallback comparison and persistence.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go-attendance-verifier/attendance"
	"go-attendance-verifier/detector"
	"go-attendance-verifier/facematch"
	"go-attendance-verifier/images"
)

// AvatarSource returns the reference photo of a user.
type AvatarSource interface {
	Fetch(ctx context.Context, userID string) ([]byte, error)
}

type ReceiptSigner interface {
	CreateReceipt(rec attendance.Record) (string, error)
}

type Request struct {
	UserID     string
	ActivityID string
	Image      []byte
}

// Outcome is the persisted record together with how the score came about.
type Outcome struct {
	Record    attendance.Record   `json:"record"`
	Result    facematch.Result    `json:"result"`
	Breakdown facematch.Breakdown `json:"breakdown"`
}

type Verifier struct {
	avatars  AvatarSource
	detector detector.Detector
	scorer   facematch.Scorer
	fallback images.Comparator
	store    attendance.Store
	reviews  attendance.ReviewQueue
	receipts ReceiptSigner
}

type Option func(*Verifier)

// WithFallback sets the comparator used when the geometric score is not a
// match. Nil disables the fallback.
func WithFallback(c images.Comparator) Option {
	return func(v *Verifier) { v.fallback = c }
}

func WithReviewQueue(q attendance.ReviewQueue) Option {
	return func(v *Verifier) { v.reviews = q }
}

func WithReceiptSigner(s ReceiptSigner) Option {
	return func(v *Verifier) { v.receipts = s }
}

func WithScorer(s facematch.Scorer) Option {
	return func(v *Verifier) { v.scorer = s }
}

func NewVerifier(avatars AvatarSource, d detector.Detector, store attendance.Store, opts ...Option) *Verifier {
	v := &Verifier{
		avatars:  avatars,
		detector: d,
		scorer:   facematch.NewScorer(),
		store:    store,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify compares the captured photo with the user's reference photo and
// stores the outcome for the user and activity. Missing or extra faces in the
// captured photo are returned as errors and nothing is stored.
func (v *Verifier) Verify(ctx context.Context, req Request) (Outcome, error) {
	log := slog.With("user_id", req.UserID, "activity_id", req.ActivityID)

	if _, err := images.Decode(req.Image); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	log.Debug("Fetching reference image")
	reference, err := v.avatars.Fetch(ctx, req.UserID)
	if err != nil {
		return Outcome{}, classify("fetch reference image", err)
	}

	log.Debug("Detecting faces in reference image")
	refDetection, err := v.detector.Detect(ctx, reference)
	if err != nil {
		return Outcome{}, classify("detect reference faces", err)
	}

	log.Debug("Detecting faces in captured image")
	capDetection, err := v.detector.Detect(ctx, req.Image)
	if err != nil {
		return Outcome{}, classify("detect captured faces", err)
	}
	if err := detector.RequireSingleFace(capDetection); err != nil {
		log.Info("Captured image rejected", "faces", len(capDetection.Faces), "error", err)
		return Outcome{}, err
	}

	var (
		result    facematch.Result
		breakdown facematch.Breakdown
	)
	if refErr := detector.RequireSingleFace(refDetection); refErr != nil {
		log.Warn("Reference image unusable for geometric scoring", "faces", len(refDetection.Faces), "error", refErr)
		if v.fallback == nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrUnusableReference, refErr)
		}
		result = facematch.Result{Method: facematch.MethodLandmarkGeometry, Error: refErr.Error()}
	} else {
		breakdown = facematch.Compare(capDetection, refDetection)
		result = v.scorer.FromBreakdown(breakdown)
		log.Debug("Geometric score computed",
			"aspect_ratio", breakdown.AspectRatio,
			"roll", breakdown.Roll,
			"yaw", breakdown.Yaw,
			"landmarks", breakdown.Landmarks,
			"relative_size", breakdown.RelativeSize,
			"score", breakdown.Score)
	}

	status := attendance.StatusPresent
	if !result.IsMatch {
		status = attendance.StatusPendingReview
		result = v.runFallback(log, result, req.Image, reference)
	}

	rec := attendance.Record{
		UserID:     req.UserID,
		ActivityID: req.ActivityID,
		Similarity: result.Similarity,
		IsMatch:    result.IsMatch,
		Method:     result.Method,
		Status:     status,
		Error:      result.Error,
	}
	if thumb, err := images.Thumbnail(req.Image, images.ThumbnailSize); err != nil {
		log.Warn("Failed to create thumbnail of captured image", "error", err)
	} else {
		rec.CapturedImage = thumb
	}

	if v.receipts != nil {
		receipt, err := v.receipts.CreateReceipt(rec)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to sign receipt: %w", err)
		}
		rec.ReceiptJwt = receipt
	}

	stored, err := v.store.Save(ctx, rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to store attendance record: %w", err)
	}

	if status == attendance.StatusPendingReview && v.reviews != nil {
		task := attendance.ReviewTask{
			UserID:     stored.UserID,
			ActivityID: stored.ActivityID,
			Similarity: stored.Similarity,
			Method:     stored.Method,
			UpdatedAt:  stored.UpdatedAt,
		}
		if err := v.reviews.Enqueue(ctx, task); err != nil {
			log.Warn("Failed to enqueue review task", "error", err)
		}
	}

	log.Info("Attendance verification completed",
		"similarity", stored.Similarity,
		"is_match", stored.IsMatch,
		"method", stored.Method,
		"status", stored.Status)
	return Outcome{Record: stored, Result: result, Breakdown: breakdown}, nil
}

// runFallback compares the images directly. A fallback result never changes
// the pending status, it only replaces the similarity that reviewers see.
func (v *Verifier) runFallback(log *slog.Logger, geometric facematch.Result, captured, reference []byte) facematch.Result {
	if v.fallback == nil {
		return geometric
	}
	similarity, err := v.fallback.Compare(captured, reference)
	if err != nil {
		log.Warn("Fallback comparison failed", "method", v.fallback.Method(), "error", err)
		geometric.Error = joinErrors(geometric.Error, err.Error())
		return geometric
	}
	log.Debug("Fallback comparison completed", "method", v.fallback.Method(), "similarity", similarity)
	return facematch.Result{
		Similarity: similarity,
		IsMatch:    similarity >= v.scorer.Threshold,
		Method:     v.fallback.Method(),
		Error:      geometric.Error,
	}
}

func joinErrors(a, b string) string {
	if a == "" {
		return b
	}
	return errors.Join(errors.New(a), errors.New(b)).Error()
}
