package transcript

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one finalized transcript line from either side of the
// conversation.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink receives transcript lines as they arrive. Consumed by the chat
// history layer outside the voice core.
type Sink interface {
	Save(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// NewSink picks Postgres when a database URL is configured, otherwise an
// in-memory ring.
func NewSink(ctx context.Context, databaseURL string) (Sink, error) {
	if strings.TrimSpace(databaseURL) == "" {
		log.Printf("transcript store: in-memory (no DATABASE_URL)")
		return NewMemorySink(256), nil
	}
	store, err := NewPostgresSink(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	log.Printf("transcript store: postgres")
	return store, nil
}

// MemorySink keeps the most recent records in a bounded ring.
type MemorySink struct {
	mu      sync.Mutex
	cap     int
	records []Record
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemorySink{cap: capacity}
}

func (s *MemorySink) Save(_ context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if len(s.records) > s.cap {
		s.records = s.records[len(s.records)-s.cap:]
	}
	return nil
}

func (s *MemorySink) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, limit)
	copy(out, s.records[len(s.records)-limit:])
	return out, nil
}

func (s *MemorySink) Close() error { return nil }
