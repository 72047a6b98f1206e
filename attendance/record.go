// Package attendance persists verification outcomes per user and activity
// and routes low confidence outcomes to manual review.
package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"go-attendance-verifier/avatar"
	"go-attendance-verifier/facematch"
)

var (
	ErrNotFound   = errors.New("attendance record not found")
	ErrNotPending = errors.New("attendance record is not pending review")
)

type Status string

const (
	StatusPresent       Status = "present"
	StatusPendingReview Status = "pending_review"
	StatusRejected      Status = "rejected"
)

// Record is the stored outcome of the latest verification of a user for an
// activity. There is at most one record per (UserID, ActivityID).
type Record struct {
	ID            string           `json:"id" bson:"_id"`
	UserID        string           `json:"user_id" bson:"userID"`
	ActivityID    string           `json:"activity_id" bson:"activityID"`
	Similarity    float64          `json:"similarity" bson:"similarity"`
	IsMatch       bool             `json:"is_match" bson:"isMatch"`
	Method        facematch.Method `json:"method" bson:"method"`
	Status        Status           `json:"status" bson:"status"`
	Error         string           `json:"error,omitempty" bson:"error,omitempty"`
	CapturedImage string           `json:"captured_image,omitempty" bson:"capturedImage,omitempty"`
	ReceiptJwt    string           `json:"receipt,omitempty" bson:"receiptJwt,omitempty"`
	Reviewer      string           `json:"reviewer,omitempty" bson:"reviewer,omitempty"`

	CreatedAt         time.Time  `json:"created_at" bson:"createdAt"`
	UpdatedAt         time.Time  `json:"updated_at" bson:"updatedAt"`
	ReviewRequestedAt *time.Time `json:"review_requested_at,omitempty" bson:"reviewRequestedAt,omitempty"`
	ReviewedAt        *time.Time `json:"reviewed_at,omitempty" bson:"reviewedAt,omitempty"`
}

// Store is the persistence sink for verification outcomes. It also keeps the
// reference image url of every user.
type Store interface {
	avatar.ReferenceStore

	// Save inserts or replaces the record for rec's user and activity and
	// returns what was stored. ID and CreatedAt survive a replace.
	Save(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, userID, activityID string) (Record, error)
	ListByActivity(ctx context.Context, activityID string) ([]Record, error)
	ListPending(ctx context.Context) ([]Record, error)
	// Resolve settles a pending record as present or rejected.
	Resolve(ctx context.Context, userID, activityID string, approve bool, reviewer string) (Record, error)
	MarkReviewRequested(ctx context.Context, userID, activityID string, at time.Time) error
	Close() error
}

// prepareSave merges rec into the existing record, if any, for an upsert.
func prepareSave(existing *Record, rec Record, now time.Time) Record {
	now = now.UTC()
	if existing != nil {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	} else {
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.ReviewRequestedAt = nil
	rec.ReviewedAt = nil
	rec.Reviewer = ""
	return rec
}

func resolvedStatus(approve bool) Status {
	if approve {
		return StatusPresent
	}
	return StatusRejected
}
