package stats

import (
	"context"
)

// DummyCollector is a no-op implementation of Collector, used when
// statistics collection is disabled.
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// StartConnection records the start of a connection (no-op)
func (d *DummyCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	return 0, nil
}

// EndConnection records the end of a connection (no-op)
func (d *DummyCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, closeReason string) error {
	return nil
}

// RecordHTTPRequest records an HTTP request (no-op)
func (d *DummyCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string, contentLength int64) error {
	return nil
}

// RecordHTTPResponse records an HTTP response (no-op)
func (d *DummyCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	return nil
}

// RecordCapture records a stored capture (no-op)
func (d *DummyCollector) RecordCapture(ctx context.Context, connectionID int64, method, url string, statusCode int, bodySize int64) error {
	return nil
}

// RecordError records an error (no-op)
func (d *DummyCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return nil
}

// Summary returns empty counters for the dummy collector
func (d *DummyCollector) Summary(ctx context.Context) (*Summary, error) {
	return &Summary{}, nil
}

// HealthCheck always returns healthy for the dummy collector
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing for the dummy collector
func (d *DummyCollector) Close() error {
	return nil
}
