package api

import "encoding/json"

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// AggregateRequest carries user records in either field-name convention.
// Data is base64 encoded.
type AggregateRequest struct {
	Records []json.RawMessage `json:"records"`
	// Spool stores the containers instead of returning only their bytes.
	Spool bool `json:"spool,omitempty"`
}

// AggregateResponse lists the containers built from a request, rendered in
// the convention of the first request record.
type AggregateResponse struct {
	Containers []map[string]any `json:"containers"`
	SpoolIDs   []string         `json:"spool_ids,omitempty"`
	Errors     []string         `json:"errors,omitempty"`
}

// DeaggregateResponse lists the recovered user records, rendered in the
// convention of the inbound event.
type DeaggregateResponse struct {
	Records []map[string]any `json:"records"`
	Errors  []string         `json:"errors,omitempty"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status string `json:"status"`
	Spool  bool   `json:"spool"`
}

// ServerConfig holds configuration for the API server
type ServerConfig struct {
	Bind                    string
	Port                    int
	APIKey                  string // empty disables authentication
	MaxBytes                int
	MaxConcurrentDeliveries int
	VerifyChecksum          bool
}
