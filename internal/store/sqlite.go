// Package store provides storage backends for PitchPipe.
//
// This file implements an SQLite-backed store for conversations and section records.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteDefaultParams is appended to DSNs that carry no query parameters
	sqliteDefaultParams = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, ErrDSNNotSet
	}

	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	} else {
		dsn += "?" + sqliteDefaultParams
	}
	dir := filepath.Dir(strings.TrimPrefix(path, "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveConversation upserts the conversation and replaces its section records in one transaction.
func (s *SQLiteStore) SaveConversation(state models.ConversationState) error {
	stateJSON, err := marshalState(state)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation marshal failed", "error", err, "user_id", state.UserID, "thread_id", state.ThreadID)
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO conversations (user_id, thread_id, variant, current_section, finished, error_count, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, thread_id) DO UPDATE SET
			variant = excluded.variant,
			current_section = excluded.current_section,
			finished = excluded.finished,
			error_count = excluded.error_count,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`,
		state.UserID, state.ThreadID, state.Variant, string(state.CurrentSection), state.Finished,
		state.ErrorCount, string(stateJSON), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "user_id", state.UserID, "thread_id", state.ThreadID)
		return fmt.Errorf("failed to save conversation %s/%s: %w", state.UserID, state.ThreadID, err)
	}

	if _, err := tx.Exec(`DELETE FROM section_records WHERE user_id = ? AND thread_id = ?`, state.UserID, state.ThreadID); err != nil {
		return fmt.Errorf("failed to clear section records: %w", err)
	}
	for _, r := range SectionRecordsFrom(&state) {
		dataJSON, err := marshalData(r.Data)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO section_records (user_id, thread_id, section_id, status, data_json, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			r.UserID, r.ThreadID, string(r.SectionID), string(r.Status), nilIfEmpty(dataJSON), r.UpdatedAt)
		if err != nil {
			slog.Error("SQLiteStore SaveConversation section insert failed", "error", err, "section", r.SectionID)
			return fmt.Errorf("failed to save section record %s: %w", r.SectionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation: %w", err)
	}
	slog.Debug("SQLiteStore SaveConversation succeeded", "user_id", state.UserID, "thread_id", state.ThreadID, "section", state.CurrentSection)
	return nil
}

// GetConversation retrieves a conversation, or nil if it does not exist.
func (s *SQLiteStore) GetConversation(userID, threadID string) (*models.ConversationState, error) {
	var stateJSON string
	err := s.db.QueryRow(`SELECT state_json FROM conversations WHERE user_id = ? AND thread_id = ?`, userID, threadID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetConversation not found", "user_id", userID, "thread_id", threadID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "user_id", userID, "thread_id", threadID)
		return nil, err
	}
	return unmarshalState([]byte(stateJSON))
}

// DeleteConversation removes a conversation and its section records.
func (s *SQLiteStore) DeleteConversation(userID, threadID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM section_records WHERE user_id = ? AND thread_id = ?`, userID, threadID); err != nil {
		return fmt.Errorf("failed to delete section records: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE user_id = ? AND thread_id = ?`, userID, threadID); err != nil {
		slog.Error("SQLiteStore DeleteConversation failed", "error", err, "user_id", userID, "thread_id", threadID)
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug("SQLiteStore DeleteConversation succeeded", "user_id", userID, "thread_id", threadID)
	return nil
}

// GetSectionRecords lists the section records of a conversation.
func (s *SQLiteStore) GetSectionRecords(userID, threadID string) ([]SectionRecord, error) {
	rows, err := s.db.Query(`SELECT section_id, status, data_json, updated_at FROM section_records WHERE user_id = ? AND thread_id = ? ORDER BY section_id`, userID, threadID)
	if err != nil {
		slog.Error("SQLiteStore GetSectionRecords query failed", "error", err)
		return nil, fmt.Errorf("failed to query section records: %w", err)
	}
	defer rows.Close()
	return scanSectionRecords(rows, userID, threadID)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
