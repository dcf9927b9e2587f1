// Package sender provides the wire implementations behind
// transport.SendFunc. Every sender classifies its failures as
// transport.ErrUnreachable or transport.ErrRejected so the retry and breaker
// logic can tell a dead link from a closed door.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
	"github.com/Earthbotics/CARL-sub002/internal/transport"
)

// APIKeyHeader carries the shared key the receiver authenticates with.
const APIKeyHeader = "X-API-Key"

// HTTP posts events as JSON to the receiver's /events endpoint.
type HTTP struct {
	url    string
	key    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTP creates an HTTP sender. The per-attempt deadline comes from the
// transport's context, so the client itself carries no timeout.
func NewHTTP(url, sharedKey string, logger *slog.Logger) *HTTP {
	return &HTTP{
		url:    url,
		key:    sharedKey,
		client: &http.Client{},
		logger: logger.With("component", "http_sender"),
	}
}

// Send implements transport.SendFunc.
func (s *HTTP) Send(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", transport.ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", transport.ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.key != "" {
		req.Header.Set(APIKeyHeader, s.key)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// The receiver exists but cannot take the event right now.
		return fmt.Errorf("%w: status %d", transport.ErrUnreachable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", transport.ErrRejected, resp.StatusCode)
	}
}

// Probe implements the link-health check with a HEAD request: any HTTP
// response at all, even an error status, proves the receiver is reachable.
func (s *HTTP) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
