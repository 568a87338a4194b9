package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrUnauthorized       = errors.New("authorization rejected")
	ErrPremiumRequired    = errors.New("realtime voice requires a premium subscription")
	ErrServiceUnavailable = errors.New("authorization service unavailable")
)

// Provider supplies the bearer token used to authenticate each realtime
// connection. A fresh token is fetched before every connect.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// StaticProvider returns a fixed token. Used in development and tests.
type StaticProvider struct {
	Value string
}

func (p StaticProvider) Token(context.Context) (string, error) {
	if strings.TrimSpace(p.Value) == "" {
		return "", ErrUnauthorized
	}
	return p.Value, nil
}

// HTTPProvider exchanges the companion app's session credential for a
// short-lived realtime token.
type HTTPProvider struct {
	TokenURL  string
	AppSecret string
	Client    *http.Client
}

func NewHTTPProvider(tokenURL, appSecret string) *HTTPProvider {
	return &HTTPProvider{
		TokenURL:  tokenURL,
		AppSecret: appSecret,
		Client:    &http.Client{Timeout: 8 * time.Second},
	}
}

func (p *HTTPProvider) Token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.AppSecret)

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", ErrUnauthorized
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusForbidden:
		return "", ErrPremiumRequired
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(payload.Token) == "" {
		return "", ErrUnauthorized
	}
	return payload.Token, nil
}
