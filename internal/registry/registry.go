// Package registry holds the static, ordered section catalogs of each pitch workflow variant.
//
// Catalogs are embedded YAML files. A loaded Variant is immutable and safe for
// concurrent use by any number of conversations.
package registry

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"gopkg.in/yaml.v3"
)

// ImplementationSection is the trailing pseudo-section entered once every topic is done.
const ImplementationSection models.SectionID = "implementation"

// DefaultVariant is used when a conversation is started without an explicit variant.
const DefaultVariant = "value_canvas"

//go:embed catalogs/*.yaml
var catalogFS embed.FS

// ErrUnknownVariant is returned when no catalog exists for a variant name.
var ErrUnknownVariant = errors.New("unknown workflow variant")

// Section is the static metadata of one topic.
type Section struct {
	ID                   models.SectionID   `yaml:"id"`
	Title                string             `yaml:"title"`
	RequiredFields       []string           `yaml:"required_fields"`
	RequiresConfirmation bool               `yaml:"requires_confirmation"`
	References           []models.SectionID `yaml:"references"`
	Prompt               string             `yaml:"prompt"`
}

// Variant is an ordered catalog of sections.
type Variant struct {
	Name        string    `yaml:"name"`
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	Sections    []Section `yaml:"sections"`

	index map[models.SectionID]int
}

var (
	loadOnce sync.Once
	variants map[string]*Variant
	loadErr  error
)

// Load returns the catalog for name.
func Load(name string) (*Variant, error) {
	loadOnce.Do(loadCatalogs)
	if loadErr != nil {
		return nil, loadErr
	}
	if name == "" {
		name = DefaultVariant
	}
	v, ok := variants[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, name)
	}
	return v, nil
}

// Variants lists the names of all embedded catalogs in sorted order.
func Variants() []string {
	loadOnce.Do(loadCatalogs)
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadCatalogs() {
	entries, err := catalogFS.ReadDir("catalogs")
	if err != nil {
		loadErr = fmt.Errorf("reading embedded catalogs: %w", err)
		return
	}
	variants = make(map[string]*Variant, len(entries))
	for _, e := range entries {
		data, err := catalogFS.ReadFile(path.Join("catalogs", e.Name()))
		if err != nil {
			loadErr = fmt.Errorf("reading catalog %s: %w", e.Name(), err)
			return
		}
		v, err := Parse(data)
		if err != nil {
			loadErr = fmt.Errorf("catalog %s: %w", e.Name(), err)
			return
		}
		variants[v.Name] = v
		slog.Debug("registry.loadCatalogs: loaded variant", "variant", v.Name, "sections", len(v.Sections))
	}
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Variant, error) {
	var v Variant
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := v.init(); err != nil {
		return nil, err
	}
	return &v, nil
}

func (v *Variant) init() error {
	if strings.TrimSpace(v.Name) == "" {
		return errors.New("catalog name is required")
	}
	if len(v.Sections) == 0 {
		return fmt.Errorf("variant %s has no sections", v.Name)
	}
	v.index = make(map[models.SectionID]int, len(v.Sections))
	for i, s := range v.Sections {
		if s.ID == "" {
			return fmt.Errorf("variant %s: section %d has no id", v.Name, i)
		}
		if s.ID == ImplementationSection {
			return fmt.Errorf("variant %s: %q is reserved", v.Name, ImplementationSection)
		}
		if _, dup := v.index[s.ID]; dup {
			return fmt.Errorf("variant %s: duplicate section %s", v.Name, s.ID)
		}
		v.index[s.ID] = i
	}
	for _, s := range v.Sections {
		for _, ref := range s.References {
			if _, ok := v.index[ref]; !ok {
				return fmt.Errorf("variant %s: section %s references unknown section %s", v.Name, s.ID, ref)
			}
		}
	}
	return nil
}

// OrderedSections returns the topic ids in registry order, without the implementation pseudo-section.
func (v *Variant) OrderedSections() []models.SectionID {
	ids := make([]models.SectionID, len(v.Sections))
	for i, s := range v.Sections {
		ids[i] = s.ID
	}
	return ids
}

// FirstSection returns the first topic.
func (v *Variant) FirstSection() models.SectionID {
	return v.Sections[0].ID
}

// FinalSection returns the pseudo-section the workflow reports once finished.
func (v *Variant) FinalSection() models.SectionID {
	return ImplementationSection
}

// Has reports whether id is a topic of this variant.
func (v *Variant) Has(id models.SectionID) bool {
	_, ok := v.index[id]
	return ok
}

// Section returns the metadata for id.
func (v *Variant) Section(id models.SectionID) (Section, bool) {
	i, ok := v.index[id]
	if !ok {
		return Section{}, false
	}
	return v.Sections[i], true
}

// NewSections returns a fresh pending state for every topic.
func (v *Variant) NewSections() map[models.SectionID]*models.SectionState {
	sections := make(map[models.SectionID]*models.SectionState, len(v.Sections))
	for _, s := range v.Sections {
		sections[s.ID] = models.NewSectionState()
	}
	return sections
}

// IsComplete reports whether every required field of the section is present and non-empty.
func (v *Variant) IsComplete(id models.SectionID, state *models.SectionState) bool {
	sec, ok := v.Section(id)
	if !ok || state == nil {
		return false
	}
	for _, field := range sec.RequiredFields {
		if isEmpty(state.Data[field]) {
			return false
		}
	}
	return true
}

// ShouldMarkDone combines the completion predicate with the recorded signals.
func (v *Variant) ShouldMarkDone(id models.SectionID, state *models.SectionState) bool {
	sec, ok := v.Section(id)
	if !ok || state == nil || !state.Completed {
		return false
	}
	if sec.RequiresConfirmation && !state.Satisfied {
		return false
	}
	return v.IsComplete(id, state)
}

// NextUnfinished returns the first section in registry order that is not done.
// The boolean is false when every section is done.
func (v *Variant) NextUnfinished(sections map[models.SectionID]*models.SectionState) (models.SectionID, bool) {
	for _, s := range v.Sections {
		st, ok := sections[s.ID]
		if !ok || st == nil || st.Status != models.SectionDone {
			return s.ID, true
		}
	}
	return "", false
}

func isEmpty(value any) bool {
	switch x := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}
