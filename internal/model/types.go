package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Backend   string           `json:"backend,omitempty"`
}

// ProviderStatus reports one completion provider consulted during a command.
type ProviderStatus struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type ProviderInfo struct {
	Name        string   `json:"name"`
	Interfaces  []string `json:"interfaces"`
	Roles       []string `json:"roles,omitempty"`
	RequiresKey bool     `json:"requires_key"`
	KeyEnvVar   string   `json:"key_env_var,omitempty"`
	Configured  bool     `json:"configured"`
	BaseURL     string   `json:"base_url,omitempty"`
	Model       string   `json:"model,omitempty"`
}
