package attendance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-attendance-verifier/avatar"
)

type recordKey struct {
	userID     string
	activityID string
}

type MemoryStore struct {
	mutex      sync.Mutex
	records    map[recordKey]Record
	references map[string]string
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[recordKey]Record),
		references: make(map[string]string),
		now:        time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) (Record, error) {
	if rec.UserID == "" || rec.ActivityID == "" {
		return Record{}, fmt.Errorf("user id and activity id are required")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := recordKey{rec.UserID, rec.ActivityID}
	var existing *Record
	if old, ok := s.records[key]; ok {
		existing = &old
	}
	stored := prepareSave(existing, rec, s.now())
	s.records[key] = stored
	return stored, nil
}

func (s *MemoryStore) Get(_ context.Context, userID, activityID string) (Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, ok := s.records[recordKey{userID, activityID}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListByActivity(_ context.Context, activityID string) ([]Record, error) {
	return s.filter(func(r Record) bool { return r.ActivityID == activityID }), nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]Record, error) {
	return s.filter(func(r Record) bool { return r.Status == StatusPendingReview }), nil
}

func (s *MemoryStore) filter(keep func(Record) bool) []Record {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]Record, 0)
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) Resolve(_ context.Context, userID, activityID string, approve bool, reviewer string) (Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := recordKey{userID, activityID}
	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusPendingReview {
		return Record{}, ErrNotPending
	}
	now := s.now().UTC()
	rec.Status = resolvedStatus(approve)
	rec.Reviewer = reviewer
	rec.ReviewedAt = &now
	rec.UpdatedAt = now
	s.records[key] = rec
	return rec, nil
}

func (s *MemoryStore) MarkReviewRequested(_ context.Context, userID, activityID string, at time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := recordKey{userID, activityID}
	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	rec.ReviewRequestedAt = &at
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) ReferenceImageURL(_ context.Context, userID string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	url, ok := s.references[userID]
	if !ok || url == "" {
		return "", avatar.ErrNoReferenceImage
	}
	return url, nil
}

func (s *MemoryStore) SetReferenceImageURL(_ context.Context, userID, url string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.references[userID] = url
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
