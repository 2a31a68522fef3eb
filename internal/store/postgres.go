// Package store provides storage backends for PitchPipe.
//
// This file implements a PostgreSQL-backed store for conversations and section records.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// SaveConversation upserts the conversation and replaces its section records in one transaction.
func (s *PostgresStore) SaveConversation(state models.ConversationState) error {
	stateJSON, err := marshalState(state)
	if err != nil {
		slog.Error("PostgresStore SaveConversation marshal failed", "error", err, "user_id", state.UserID, "thread_id", state.ThreadID)
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO conversations (user_id, thread_id, variant, current_section, finished, error_count, state_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, thread_id) DO UPDATE SET
			variant = EXCLUDED.variant,
			current_section = EXCLUDED.current_section,
			finished = EXCLUDED.finished,
			error_count = EXCLUDED.error_count,
			state_json = EXCLUDED.state_json,
			updated_at = EXCLUDED.updated_at`,
		state.UserID, state.ThreadID, state.Variant, string(state.CurrentSection), state.Finished,
		state.ErrorCount, string(stateJSON), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "user_id", state.UserID, "thread_id", state.ThreadID)
		return fmt.Errorf("failed to save conversation %s/%s: %w", state.UserID, state.ThreadID, err)
	}

	if _, err := tx.Exec(`DELETE FROM section_records WHERE user_id = $1 AND thread_id = $2`, state.UserID, state.ThreadID); err != nil {
		return fmt.Errorf("failed to clear section records: %w", err)
	}
	for _, r := range SectionRecordsFrom(&state) {
		dataJSON, err := marshalData(r.Data)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO section_records (user_id, thread_id, section_id, status, data_json, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			r.UserID, r.ThreadID, string(r.SectionID), string(r.Status), nilIfEmpty(dataJSON), r.UpdatedAt)
		if err != nil {
			slog.Error("PostgresStore SaveConversation section insert failed", "error", err, "section", r.SectionID)
			return fmt.Errorf("failed to save section record %s: %w", r.SectionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation: %w", err)
	}
	slog.Debug("PostgresStore SaveConversation succeeded", "user_id", state.UserID, "thread_id", state.ThreadID, "section", state.CurrentSection)
	return nil
}

// GetConversation retrieves a conversation, or nil if it does not exist.
func (s *PostgresStore) GetConversation(userID, threadID string) (*models.ConversationState, error) {
	var stateJSON []byte
	err := s.db.QueryRow(`SELECT state_json FROM conversations WHERE user_id = $1 AND thread_id = $2`, userID, threadID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetConversation not found", "user_id", userID, "thread_id", threadID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "user_id", userID, "thread_id", threadID)
		return nil, err
	}
	return unmarshalState(stateJSON)
}

// DeleteConversation removes a conversation; section records cascade.
func (s *PostgresStore) DeleteConversation(userID, threadID string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE user_id = $1 AND thread_id = $2`, userID, threadID)
	if err != nil {
		slog.Error("PostgresStore DeleteConversation failed", "error", err, "user_id", userID, "thread_id", threadID)
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	slog.Debug("PostgresStore DeleteConversation succeeded", "user_id", userID, "thread_id", threadID)
	return nil
}

// GetSectionRecords lists the section records of a conversation.
func (s *PostgresStore) GetSectionRecords(userID, threadID string) ([]SectionRecord, error) {
	rows, err := s.db.Query(`SELECT section_id, status, data_json, updated_at FROM section_records WHERE user_id = $1 AND thread_id = $2 ORDER BY section_id`, userID, threadID)
	if err != nil {
		slog.Error("PostgresStore GetSectionRecords query failed", "error", err)
		return nil, fmt.Errorf("failed to query section records: %w", err)
	}
	defer rows.Close()
	return scanSectionRecords(rows, userID, threadID)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
