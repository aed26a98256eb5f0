// Package ipc serves session commands over a per-user unix socket.
package ipc

type Request struct {
	Command string `json:"command"`
}

type Response struct {
	OK       bool   `json:"ok"`
	Status   string `json:"status,omitempty"`
	Position string `json:"position,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}
