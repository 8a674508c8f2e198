package stats

import (
	"context"
	"time"
)

// Collector defines the interface for recording proxy events. Methods are
// called inline on the forwarding path; failures are reported to the caller,
// which logs them and carries on forwarding.
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error)
	EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, closeReason string) error

	// Request/Response tracking
	RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string, contentLength int64) error
	RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error

	// Capture tracking
	RecordCapture(ctx context.Context, connectionID int64, method, url string, statusCode int, bodySize int64) error

	// Error tracking
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Summary returns aggregate counters for the operator console.
	Summary(ctx context.Context) (*Summary, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// Summary provides high-level counters for the operator console.
type Summary struct {
	TotalConnections int64 `json:"total_connections"`
	TotalRequests    int64 `json:"total_requests"`
	TotalCaptures    int64 `json:"total_captures"`
	TotalErrors      int64 `json:"total_errors"`
}

// ConnectionInfo holds information about a tracked connection.
type ConnectionInfo struct {
	ID            int64
	ClientIP      string
	TargetHost    string
	TargetPort    int
	Protocol      string
	StartedAt     time.Time
	EndedAt       *time.Time
	BytesSent     int64
	BytesReceived int64
	CloseReason   string
}
