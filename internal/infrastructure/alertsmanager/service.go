package alertsmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/arkade-os/custodyd/internal/core/ports"
)

const (
	serviceName = "custodyd"

	maxRetries = 5
)

var severities = map[ports.Topic]string{
	ports.ReconciliationRequired: "critical",
	ports.TxFailedOnChain:        "critical",
	ports.AmbiguousBroadcast:     "warning",
}

type Alert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
}

type Option func(*service)

// WithBaseDelay sets the first retry delay, doubled on every attempt.
func WithBaseDelay(delay time.Duration) Option {
	return func(s *service) {
		s.baseDelay = delay
	}
}

type service struct {
	baseUrl    string
	httpClient *http.Client
	baseDelay  time.Duration
}

func NewService(alertManagerURL string, opts ...Option) ports.Alerts {
	svc := &service{
		baseUrl: alertManagerURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *service) Publish(ctx context.Context, topic ports.Topic, message any) error {
	severity, ok := severities[topic]
	if !ok {
		severity = "info"
	}
	labels := map[string]string{
		"alertname": string(topic),
		"service":   serviceName,
		"severity":  severity,
	}

	annotations := map[string]string{
		"firing_title": fmt.Sprintf("🔔 %s", topic),
	}
	switch m := message.(type) {
	case map[string]string:
		for _, key := range []string{"withdrawal_id", "trade_id", "chain", "asset"} {
			if v := m[key]; v != "" {
				labels[key] = v
			}
		}
		annotations["description"] = formatFields(m)
	default:
		annotations["description"] = fmt.Sprintf("• event: %v", message)
	}

	alert := Alert{
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    time.Now(),
	}

	if err := s.sendAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to send alert to AlertManager: %w", err)
	}

	return nil
}

func (s *service) sendAlert(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal([]Alert{alert})
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	for attempt := range maxRetries {
		req, err := http.NewRequestWithContext(ctx, "POST", s.baseUrl, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			// Network error - retry with backoff
			if attempt < maxRetries-1 {
				if err := s.wait(ctx, attempt); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("failed to send alert after %d attempts: %w", maxRetries, err)
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		// Retry on 5xx (server errors), but not on 4xx (client errors)
		if resp.StatusCode >= 500 && attempt < maxRetries-1 {
			if err := s.wait(ctx, attempt); err != nil {
				return err
			}
			continue
		}

		return fmt.Errorf(
			"failed to send alert to AlertManager with status %d after %d attempts",
			resp.StatusCode, attempt+1,
		)
	}

	return fmt.Errorf("failed to send alert after %d attempts", maxRetries)
}

// wait sleeps for the exponential backoff of the given attempt.
func (s *service) wait(ctx context.Context, attempt int) error {
	delay := s.baseDelay * time.Duration(1<<uint(attempt))
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func formatFields(data map[string]string) string {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		if data[key] == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("• %s: %s", key, data[key]))
	}
	return strings.Join(lines, "\n")
}
