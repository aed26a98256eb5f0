// Package config resolves, parses, validates, and defaults parley configuration.
package config

// Config is the fully materialized runtime configuration used by parley.
type Config struct {
	Admission    AdmissionConfig
	Worker       WorkerConfig
	Audio        AudioConfig
	Conversation ConversationConfig
	Log          LogConfig
}

// AdmissionConfig points at the queue/admission service.
type AdmissionConfig struct {
	URL        string
	QueueID    string
	HealthPath string
}

// WorkerConfig carries the optional direct worker address override.
// A non-empty Addr skips queue negotiation entirely.
type WorkerConfig struct {
	Addr string
}

// AudioConfig controls input-source selection and the processor module asset.
type AudioConfig struct {
	Input    string
	Fallback string
	Module   string
}

// ConversationConfig controls conversation-surface behavior.
type ConversationConfig struct {
	ShowText bool
}

// LogConfig controls runtime log output.
type LogConfig struct {
	Level string
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
