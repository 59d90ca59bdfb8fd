package client

import "github.com/loykin/skyrelay/internal/supervisor"

// ServiceStatus is one entry of GET /status.
type ServiceStatus = supervisor.ServiceStatus

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
