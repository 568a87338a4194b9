package tts

import (
	"context"
	"strings"
	"sync"
)

// MockBackend is the local fallback used when no hosted voice credential is
// configured. It emits a short silent buffer per request so the playback
// path stays exercised.
type MockBackend struct {
	mu    sync.Mutex
	calls int
}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (b *MockBackend) SampleRate() int { return 24000 }

func (b *MockBackend) Synthesize(_ context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrInvalidResponse
	}
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	// ~40ms of silence per 10 runes, capped at 2s.
	n := (len(text)/10 + 1) * b.SampleRate() * 40 / 1000
	if max := b.SampleRate() * 2; n > max {
		n = max
	}
	return make([]byte, n*2), nil
}

func (b *MockBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
