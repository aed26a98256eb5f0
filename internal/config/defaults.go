package config

// FallbackQueueID is used when no queue identifier is supplied anywhere.
const FallbackQueueID = "main"

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Admission: AdmissionConfig{
			URL:        "ws://127.0.0.1:8998/api/queue",
			QueueID:    FallbackQueueID,
			HealthPath: "/api/health",
		},
		Worker: WorkerConfig{},
		Audio: AudioConfig{
			Input:    "default",
			Fallback: "default",
			Module:   "",
		},
		Conversation: ConversationConfig{ShowText: true},
		Log:          LogConfig{Level: "info"},
	}
}
