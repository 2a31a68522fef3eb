package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalState(state models.ConversationState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation %s/%s: %w", state.UserID, state.ThreadID, err)
	}
	return data, nil
}

func unmarshalState(data []byte) (*models.ConversationState, error) {
	var state models.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation state: %w", err)
	}
	return &state, nil
}

func marshalData(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal section data: %w", err)
	}
	return string(b), nil
}

// cloneRecords deep copies records so stored data maps are not shared.
func cloneRecords(records []SectionRecord) ([]SectionRecord, error) {
	out := make([]SectionRecord, len(records))
	for i, r := range records {
		out[i] = r
		if len(r.Data) == 0 {
			continue
		}
		raw, err := json.Marshal(r.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to copy section data: %w", err)
		}
		out[i].Data = nil
		if err := json.Unmarshal(raw, &out[i].Data); err != nil {
			return nil, fmt.Errorf("failed to copy section data: %w", err)
		}
	}
	return out, nil
}

// scanSectionRecords reads rows of (section_id, status, data_json, updated_at).
func scanSectionRecords(rows *sql.Rows, userID, threadID string) ([]SectionRecord, error) {
	var records []SectionRecord
	for rows.Next() {
		r := SectionRecord{UserID: userID, ThreadID: threadID}
		var dataJSON sql.NullString
		if err := rows.Scan(&r.SectionID, &r.Status, &dataJSON, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan section record failed: %w", err)
		}
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &r.Data); err != nil {
				return nil, fmt.Errorf("section %s has invalid data: %w", r.SectionID, err)
			}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate section records: %w", err)
	}
	return records, nil
}
