package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrSessionNotFound = errors.New("session not found")

// Session binds a nonce to the user and activity it was issued for.
// ExpiresAt is set on first store and kept when the session is stored again.
type Session struct {
	Nonce      string    `json:"nonce"`
	UserId     string    `json:"user_id"`
	ActivityId string    `json:"activity_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type InMemoryTokenStorage struct {
	TokenMap map[string]Session
	ttl      time.Duration
	now      func() time.Time
	mutex    sync.Mutex
}

func NewInMemoryTokenStorage() *InMemoryTokenStorage {
	return NewInMemoryTokenStorageWithTTL(Timeout)
}

func NewInMemoryTokenStorageWithTTL(ttl time.Duration) *InMemoryTokenStorage {
	if ttl <= 0 {
		ttl = Timeout
	}
	return &InMemoryTokenStorage{
		TokenMap: make(map[string]Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

type RedisTokenStorage struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
	now       func() time.Time
}

func NewRedisTokenStorage(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisTokenStorage {
	if ttl <= 0 {
		ttl = Timeout
	}
	return &RedisTokenStorage{client: client, namespace: namespace, ttl: ttl, now: time.Now}
}

// Should be safe to use in concurreny
type TokenStorage interface {
	// Store the session for the given sessionId.
	// Should not return an error when the value already exists,
	// it should just update in that case. A session that already has an
	// ExpiresAt keeps it, and is dropped when that moment has passed.
	StoreToken(ctx context.Context, sessionId string, session Session) error

	// Should retrieve the session for the given sessionId and return
	// ErrSessionNotFound when it is missing or expired.
	RetrieveToken(ctx context.Context, sessionId string) (Session, error)

	// Retrieves and removes the session in one step, so a session can be
	// used for a single verification only.
	ConsumeToken(ctx context.Context, sessionId string) (Session, error)
}

// ------------------------------------------------------------------------------

func createKey(namespace, sessionId string) string {
	return fmt.Sprintf("%s:session:%s", namespace, sessionId)
}

const Timeout time.Duration = 24 * time.Hour

// withExpiry sets ExpiresAt for a new session and returns the lifetime left.
func withExpiry(session Session, now time.Time, ttl time.Duration) (Session, time.Duration) {
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = now.Add(ttl)
	}
	return session, session.ExpiresAt.Sub(now)
}

func (s *RedisTokenStorage) StoreToken(ctx context.Context, sessionId string, session Session) error {
	session, remaining := withExpiry(session, s.now(), s.ttl)
	key := createKey(s.namespace, sessionId)
	if remaining <= 0 {
		return s.client.Del(ctx, key).Err()
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.client.Set(ctx, key, payload, remaining).Err()
}

func (s *RedisTokenStorage) RetrieveToken(ctx context.Context, sessionId string) (Session, error) {
	payload, err := s.client.Get(ctx, createKey(s.namespace, sessionId)).Bytes()
	return decodeSession(sessionId, payload, err)
}

func (s *RedisTokenStorage) ConsumeToken(ctx context.Context, sessionId string) (Session, error) {
	payload, err := s.client.GetDel(ctx, createKey(s.namespace, sessionId)).Bytes()
	return decodeSession(sessionId, payload, err)
}

func decodeSession(sessionId string, payload []byte, err error) (Session, error) {
	if errors.Is(err, redis.Nil) {
		return Session{}, fmt.Errorf("failed to find token for %s: %w", sessionId, ErrSessionNotFound)
	}
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return Session{}, fmt.Errorf("failed to decode session %s: %w", sessionId, err)
	}
	return session, nil
}

// ------------------------------------------------------------------------------

func (s *InMemoryTokenStorage) StoreToken(_ context.Context, sessionId string, session Session) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	session, remaining := withExpiry(session, s.now(), s.ttl)
	if remaining <= 0 {
		delete(s.TokenMap, sessionId)
		return nil
	}
	s.TokenMap[sessionId] = session
	return nil
}

// lookup must be called with the mutex held.
func (s *InMemoryTokenStorage) lookup(sessionId string) (Session, bool) {
	session, ok := s.TokenMap[sessionId]
	if !ok {
		return Session{}, false
	}
	if !s.now().Before(session.ExpiresAt) {
		delete(s.TokenMap, sessionId)
		return Session{}, false
	}
	return session, true
}

func (s *InMemoryTokenStorage) RetrieveToken(_ context.Context, sessionId string) (Session, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if session, ok := s.lookup(sessionId); ok {
		return session, nil
	}
	return Session{}, fmt.Errorf("failed to find token for %s: %w", sessionId, ErrSessionNotFound)
}

func (s *InMemoryTokenStorage) ConsumeToken(_ context.Context, sessionId string) (Session, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	session, ok := s.lookup(sessionId)
	if !ok {
		return Session{}, fmt.Errorf("failed to find token for %s: %w", sessionId, ErrSessionNotFound)
	}
	delete(s.TokenMap, sessionId)
	return session, nil
}
