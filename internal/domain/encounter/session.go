package encounter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/labflow/labflow/internal/domain/billing"
	"github.com/labflow/labflow/internal/platform/apperror"
)

// Session is the resumable state of one operator working one encounter.
// The caller holds Token across requests; a session ends on a terminal
// transition or when abandoned, and otherwise expires after the store TTL.
type Session struct {
	Token       uuid.UUID        `json:"token"`
	Kind        string           `json:"kind"`
	EncounterID uuid.UUID        `json:"encounter_id"`
	Snapshot    *Encounter       `json:"snapshot,omitempty"`
	Draft       billing.Sheet    `json:"draft"`
	Receipt     *billing.Receipt `json:"receipt,omitempty"`
	NeedsResync bool             `json:"needs_resync"`
	Closed      bool             `json:"closed"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewSession returns an unstarted session with a fresh token.
func NewSession(kind string) *Session {
	return &Session{Token: uuid.New(), Kind: kind}
}

// Started reports whether an encounter has been created for the session.
func (s *Session) Started() bool {
	return s.EncounterID != uuid.Nil
}

// Phase is the phase of the last authoritative snapshot.
func (s *Session) Phase() Phase {
	if s.Snapshot == nil {
		return ""
	}
	return s.Snapshot.Phase
}

// SessionStore persists sessions by token.
type SessionStore interface {
	Save(ctx context.Context, s *Session, ttl time.Duration) error
	// Load returns a NotFound error for unknown or expired tokens.
	Load(ctx context.Context, token uuid.UUID) (*Session, error)
	Delete(ctx context.Context, token uuid.UUID) error
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]memoryEntry
	clock    func() time.Time
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[uuid.UUID]memoryEntry), clock: time.Now}
}

func (m *MemorySessionStore) Save(_ context.Context, s *Session, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = memoryEntry{data: data, expires: m.clock().Add(ttl)}
	return nil
}

func (m *MemorySessionStore) Load(_ context.Context, token uuid.UUID) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[token]
	if ok && !m.clock().Before(e.expires) {
		delete(m.sessions, token)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, apperror.NotFound("loadSession", "session "+token.String())
	}
	var s Session
	if err := json.Unmarshal(e.data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, token uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

// RedisSessionStore shares sessions between server instances.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionStore(client *redis.Client, prefix string) *RedisSessionStore {
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (r *RedisSessionStore) key(token uuid.UUID) string {
	return r.prefix + "session:" + token.String()
}

func (r *RedisSessionStore) Save(ctx context.Context, s *Session, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.Token), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Load(ctx context.Context, token uuid.UUID) (*Session, error) {
	data, err := r.client.Get(ctx, r.key(token)).Bytes()
	if err == redis.Nil {
		return nil, apperror.NotFound("loadSession", "session "+token.String())
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, token uuid.UUID) error {
	if err := r.client.Del(ctx, r.key(token)).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}
