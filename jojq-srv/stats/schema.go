package stats

import (
	"database/sql"
	"fmt"

	"github.com/jojq/jojq/jojq-srv/logger"
)

// tableDefinitions returns the CREATE TABLE statements for the given SQL
// driver. SQLite and PostgreSQL differ only in the auto-increment primary
// key and timestamp column types.
func tableDefinitions(driver string) ([]string, error) {
	var pk, ts string
	switch driver {
	case "sqlite3":
		pk = "INTEGER PRIMARY KEY AUTOINCREMENT"
		ts = "DATETIME"
	case "postgres":
		pk = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	default:
		return nil, fmt.Errorf("unsupported SQL driver: %s", driver)
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS connections (
			id %s,
			client_ip TEXT NOT NULL,
			target_host TEXT NOT NULL,
			target_port INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			started_at %s NOT NULL,
			ended_at %s,
			bytes_sent BIGINT DEFAULT 0,
			bytes_received BIGINT DEFAULT 0,
			close_reason TEXT
		)`, pk, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS http_requests (
			id %s,
			connection_id BIGINT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT NOT NULL,
			content_length BIGINT DEFAULT 0,
			timestamp %s NOT NULL
		)`, pk, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS http_responses (
			id %s,
			connection_id BIGINT NOT NULL,
			status_code INTEGER NOT NULL,
			content_length BIGINT DEFAULT 0,
			timestamp %s NOT NULL
		)`, pk, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS captures (
			id %s,
			connection_id BIGINT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			body_size BIGINT DEFAULT 0,
			timestamp %s NOT NULL
		)`, pk, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS errors (
			id %s,
			connection_id BIGINT NOT NULL,
			error_type TEXT NOT NULL,
			error_message TEXT,
			timestamp %s NOT NULL
		)`, pk, ts),
		`CREATE INDEX IF NOT EXISTS idx_http_requests_connection ON http_requests(connection_id)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_connection ON captures(connection_id)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_connection ON errors(connection_id)`,
	}, nil
}

// initSchema applies the schema for the given driver, creating missing
// tables and indexes.
func initSchema(db *sql.DB, driver string) error {
	stmts, err := tableDefinitions(driver)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	logger.Debug("Statistics schema initialized for driver %s", driver)
	return nil
}
