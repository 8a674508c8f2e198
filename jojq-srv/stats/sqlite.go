package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jojq/jojq/jojq-srv/logger"
)

// SQLiteCollector implements Collector using SQLite as the backend.
type SQLiteCollector struct {
	db *sql.DB
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := initSchema(db, "sqlite3"); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized sqlite stats collector at %s", dbPath)
	return &SQLiteCollector{db: db}, nil
}

// StartConnection records the start of a connection
func (s *SQLiteCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		clientIP, targetHost, targetPort, protocol, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get connection ID: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection
func (s *SQLiteCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, closeReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordHTTPRequest records an HTTP request
func (s *SQLiteCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string, contentLength int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO http_requests (connection_id, method, url, host, content_length, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		connectionID, method, url, host, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

// RecordHTTPResponse records an HTTP response
func (s *SQLiteCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO http_responses (connection_id, status_code, content_length, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, statusCode, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP response: %w", err)
	}
	return nil
}

// RecordCapture records a stored capture
func (s *SQLiteCollector) RecordCapture(ctx context.Context, connectionID int64, method, url string, statusCode int, bodySize int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO captures (connection_id, method, url, status_code, body_size, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		connectionID, method, url, statusCode, bodySize, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record capture: %w", err)
	}
	return nil
}

// RecordError records an error
func (s *SQLiteCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// Summary returns aggregate counters
func (s *SQLiteCollector) Summary(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM connections),
		(SELECT COUNT(*) FROM http_requests),
		(SELECT COUNT(*) FROM captures),
		(SELECT COUNT(*) FROM errors)`)
	if err := row.Scan(&summary.TotalConnections, &summary.TotalRequests, &summary.TotalCaptures, &summary.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	return summary, nil
}

// HealthCheck verifies the database connection
func (s *SQLiteCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
