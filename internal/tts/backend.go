package tts

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrMissingCredential = errors.New("tts credential not configured")
	ErrUnauthorized      = errors.New("tts credential rejected")
	ErrRateLimited       = errors.New("tts rate limited")
	ErrInvalidResponse   = errors.New("tts returned an invalid response")
)

// ServerError reports a 5xx from the synthesis backend.
type ServerError struct {
	Code int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("tts server error: status %d", e.Code)
}

// Backend synthesizes one transcript into mono PCM16LE audio at the
// backend's advertised sample rate.
type Backend interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	SampleRate() int
}
