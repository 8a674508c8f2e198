package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/jojq/jojq/jojq-srv/logger"
)

// PostgreSQLCollector implements Collector using PostgreSQL as the backend.
type PostgreSQLCollector struct {
	db *sql.DB
}

// NewPostgreSQLCollector creates a new PostgreSQL-based statistics collector
func NewPostgreSQLCollector(dsn string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := initSchema(db, "postgres"); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized postgres stats collector")
	return &PostgreSQLCollector{db: db}, nil
}

// StartConnection records the start of a connection
func (p *PostgreSQLCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		clientIP, targetHost, targetPort, protocol, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection
func (p *PostgreSQLCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, closeReason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = $1, bytes_sent = $2, bytes_received = $3, close_reason = $4
		 WHERE id = $5`,
		time.Now(), bytesSent, bytesReceived, closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordHTTPRequest records an HTTP request
func (p *PostgreSQLCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string, contentLength int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO http_requests (connection_id, method, url, host, content_length, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		connectionID, method, url, host, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

// RecordHTTPResponse records an HTTP response
func (p *PostgreSQLCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO http_responses (connection_id, status_code, content_length, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, statusCode, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP response: %w", err)
	}
	return nil
}

// RecordCapture records a stored capture
func (p *PostgreSQLCollector) RecordCapture(ctx context.Context, connectionID int64, method, url string, statusCode int, bodySize int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO captures (connection_id, method, url, status_code, body_size, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		connectionID, method, url, statusCode, bodySize, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record capture: %w", err)
	}
	return nil
}

// RecordError records an error
func (p *PostgreSQLCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// Summary returns aggregate counters
func (p *PostgreSQLCollector) Summary(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	row := p.db.QueryRowContext(ctx, `SELECT
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
func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
