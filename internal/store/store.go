// Package store provides storage backends for PitchPipe.
//
// It persists conversation state and the per-section records derived from it,
// keyed by (user_id, thread_id[, section_id]), along with channel bookkeeping
// (inbound dedup and the reply outbox). Backends: in-memory, SQLite and PostgreSQL.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
)

// ErrDSNNotSet is returned when a SQL backend is constructed without a DSN.
var ErrDSNNotSet = errors.New("database DSN not set")

// Store is the persistence collaborator for conversations.
type Store interface {
	// SaveConversation upserts the state and replaces its section records.
	SaveConversation(state models.ConversationState) error
	// GetConversation returns nil, nil when the conversation does not exist.
	GetConversation(userID, threadID string) (*models.ConversationState, error)
	// DeleteConversation removes the state and its section records.
	DeleteConversation(userID, threadID string) error
	// GetSectionRecords returns the section records ordered by section id.
	GetSectionRecords(userID, threadID string) ([]SectionRecord, error)
	Close() error
}

// SectionRecord is the per-section projection of a conversation.
type SectionRecord struct {
	UserID    string               `json:"user_id"`
	ThreadID  string               `json:"thread_id"`
	SectionID models.SectionID     `json:"section_id"`
	Status    models.SectionStatus `json:"status"`
	Data      map[string]any       `json:"data,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Opts holds configuration for SQL stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path (optionally with query parameters).
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	// key=value form: "host=localhost user=postgres dbname=x"
	if strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

type conversationKey struct {
	userID   string
	threadID string
}

// InMemoryStore keeps conversations in process memory. Saved states are deep
// copied through JSON so callers never share maps with the store.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[conversationKey][]byte
	sections      map[conversationKey][]SectionRecord
	inbound       map[string]*DedupRecord
	outbox        []*OutboxMessage
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[conversationKey][]byte),
		sections:      make(map[conversationKey][]SectionRecord),
		inbound:       make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) SaveConversation(state models.ConversationState) error {
	data, err := marshalState(state)
	if err != nil {
		return err
	}
	records, err := cloneRecords(SectionRecordsFrom(&state))
	if err != nil {
		return err
	}
	key := conversationKey{state.UserID, state.ThreadID}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[key] = data
	s.sections[key] = records
	return nil
}

func (s *InMemoryStore) GetConversation(userID, threadID string) (*models.ConversationState, error) {
	s.mu.RLock()
	data, ok := s.conversations[conversationKey{userID, threadID}]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return unmarshalState(data)
}

func (s *InMemoryStore) DeleteConversation(userID, threadID string) error {
	key := conversationKey{userID, threadID}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, key)
	delete(s.sections, key)
	return nil
}

func (s *InMemoryStore) GetSectionRecords(userID, threadID string) ([]SectionRecord, error) {
	s.mu.RLock()
	records := s.sections[conversationKey{userID, threadID}]
	s.mu.RUnlock()
	return cloneRecords(records)
}

func (s *InMemoryStore) Close() error { return nil }

// SectionRecordsFrom derives the section records of state, ordered by section id.
func SectionRecordsFrom(state *models.ConversationState) []SectionRecord {
	records := make([]SectionRecord, 0, len(state.Sections))
	for id, sec := range state.Sections {
		if sec == nil {
			continue
		}
		updated := sec.UpdatedAt
		if updated.IsZero() {
			updated = state.UpdatedAt
		}
		records = append(records, SectionRecord{
			UserID:    state.UserID,
			ThreadID:  state.ThreadID,
			SectionID: id,
			Status:    sec.Status,
			Data:      sec.Data,
			UpdatedAt: updated,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SectionID < records[j].SectionID })
	return records
}
