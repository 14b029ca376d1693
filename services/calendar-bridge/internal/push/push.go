// Package push forwards commitment changes to the external calendar service
// so its view converges without waiting for the next feed poll.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Notification is the wire shape the external service accepts on its sync
// endpoint.
type Notification struct {
	EventType    string `json:"event_type"`
	CommitmentID string `json:"commitment_id"`
	HospitalID   string `json:"hospital_id"`
	ProviderID   string `json:"provider_id"`
	Kind         string `json:"kind"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	Status       string `json:"status"`
}

type Pusher interface {
	Push(ctx context.Context, n Notification) error
}

type HTTPPusher struct {
	url   string
	token string
	http  *http.Client
}

func NewHTTPPusher(url string, token string) *HTTPPusher {
	return &HTTPPusher{
		url:   strings.TrimSpace(url),
		token: strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (p *HTTPPusher) Push(ctx context.Context, n Notification) error {
	if p.url == "" {
		return errors.New("external calendar url not configured")
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("external calendar service returned %d", resp.StatusCode)
	}
	return nil
}

// NoopPusher is used when no external endpoint is configured; the feed alone
// carries availability outward.
type NoopPusher struct{}

func NewNoopPusher() *NoopPusher {
	return &NoopPusher{}
}

func (p *NoopPusher) Push(_ context.Context, _ Notification) error {
	return nil
}
