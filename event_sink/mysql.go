package event_sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	log "github.com/sirupsen/logrus"
)

const createEventsTable = `
	CREATE TABLE IF NOT EXISTS network_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		timestamp DATETIME(3) NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		description TEXT NOT NULL,
		trigger_value DOUBLE NOT NULL
	)`

const insertEvent = `
	INSERT INTO network_events (timestamp, event_type, description, trigger_value)
	VALUES (?, ?, ?, ?)`

// MySQLSink appends events to the network_events table.
type MySQLSink struct {
	db *sql.DB
}

// ConnectMySQL opens and pings the event database.
func ConnectMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping event database: %w", err)
	}
	log.Infof("[EventSink] MySQL connection pool initialized")
	return db, nil
}

func NewMySQLSink(db *sql.DB) *MySQLSink {
	return &MySQLSink{db: db}
}

// EnsureSchema creates the events table when it does not exist.
func (s *MySQLSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createEventsTable); err != nil {
		return fmt.Errorf("create network_events: %w", err)
	}
	return nil
}

func (s *MySQLSink) Append(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, insertEvent, e.Timestamp.UTC(), e.EventType, e.Description, e.TriggerValue)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", e.EventType, err)
	}
	return nil
}

func (s *MySQLSink) Close() error {
	return s.db.Close()
}
