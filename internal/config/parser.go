package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse reads configuration content in flat `key = value` form over base.
// Unknown keys fail with their line number; empty content returns base.
func Parse(content string, base Config) (Config, []Warning, error) {
	cfg := base
	warnings := make([]Warning, 0)

	for lineNo, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Config{}, nil, fmt.Errorf("line %d: expected key = value, got %q", lineNo+1, line)
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))

		if err := apply(&cfg, key, value); err != nil {
			return Config{}, nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
	}

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	warnings = append(warnings, validatedWarnings...)
	return cfg, warnings, nil
}

// apply sets one dotted config key on cfg.
func apply(cfg *Config, key string, value string) error {
	switch key {
	case "admission.url":
		cfg.Admission.URL = value
	case "admission.queue_id":
		cfg.Admission.QueueID = value
	case "admission.health_path":
		cfg.Admission.HealthPath = value
	case "worker.addr":
		cfg.Worker.Addr = value
	case "audio.input":
		cfg.Audio.Input = value
	case "audio.fallback":
		cfg.Audio.Fallback = value
	case "audio.module":
		cfg.Audio.Module = value
	case "conversation.text":
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("conversation.text: %w", err)
		}
		cfg.Conversation.ShowText = b
	case "log.level":
		cfg.Log.Level = value
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

func parseBool(value string) (bool, error) {
	b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		return false, fmt.Errorf("expected boolean, got %q", value)
	}
	return b, nil
}

// unquote strips one matching pair of surrounding quotes.
func unquote(value string) string {
	if len(value) < 2 {
		return value
	}
	first := value[0]
	last := value[len(value)-1]
	if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
		return value[1 : len(value)-1]
	}
	return value
}
