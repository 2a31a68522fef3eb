package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/registry"
)

// ApplyUpdates merges extracted values into a copy of the section state.
// The input state is never modified. A section is marked done only when the
// registry's completion rules hold; status never moves backwards.
func ApplyUpdates(variant *registry.Variant, id models.SectionID, current *models.SectionState, updates SectionUpdates) (*models.SectionState, error) {
	if variant == nil || !variant.Has(id) {
		return nil, models.NewFault(models.FaultExtraction, fmt.Sprintf("cannot apply updates to unknown section %q", id))
	}

	next := current.Clone()
	if updates.IsEmpty() {
		return next, nil
	}

	for field, value := range updates.Fields {
		field = strings.TrimSpace(field)
		if field == "" || value == nil {
			continue
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		next.Data[field] = value
	}

	if updates.Complete {
		next.Completed = true
	}
	if updates.Satisfied {
		next.Satisfied = true
	}

	next.Advance(models.SectionInProgress)
	if variant.ShouldMarkDone(id, next) {
		next.Advance(models.SectionDone)
	}
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}
