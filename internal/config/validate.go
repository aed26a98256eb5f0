package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	admissionURL := strings.TrimSpace(cfg.Admission.URL)
	if admissionURL == "" {
		return nil, fmt.Errorf("admission.url must not be empty")
	}
	parsed, err := url.Parse(admissionURL)
	if err != nil {
		return nil, fmt.Errorf("admission.url is not a valid URL: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("admission.url must use ws or wss scheme, got %q", parsed.Scheme)
	}

	if strings.TrimSpace(cfg.Admission.HealthPath) == "" {
		return nil, fmt.Errorf("admission.health_path must not be empty")
	}
	if !strings.HasPrefix(strings.TrimSpace(cfg.Admission.HealthPath), "/") {
		return nil, fmt.Errorf("admission.health_path must start with '/'")
	}

	if strings.TrimSpace(cfg.Admission.QueueID) == "" {
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("admission.queue_id is empty; falling back to %q", FallbackQueueID),
		})
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	// worker.addr and audio.module are opaque; presence is the only check
	// performed here and both may be empty.
	return warnings, nil
}

// EffectiveQueueID resolves the queue identifier, falling back to the fixed default.
func EffectiveQueueID(cfg Config) string {
	if id := strings.TrimSpace(cfg.Admission.QueueID); id != "" {
		return id
	}
	return FallbackQueueID
}
