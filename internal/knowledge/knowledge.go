package knowledge

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownCondition is matched by every UnknownConditionError.
var ErrUnknownCondition = errors.New("unknown condition")

// UnknownConditionError reports a condition key that has no knowledge base entry.
// A backend producing such a key is paired with the wrong knowledge base.
type UnknownConditionError struct {
	Key string
}

func (e *UnknownConditionError) Error() string {
	return fmt.Sprintf("unknown condition %q", e.Key)
}

// Is lets errors.Is match against ErrUnknownCondition.
func (e *UnknownConditionError) Is(target error) bool {
	return target == ErrUnknownCondition
}

// Severity is the ordinal risk tier of a condition.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank returns the position of s in the total order low < medium < high,
// or -1 for an unrecognized tier.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known tiers.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// Less reports whether s carries less risk than other.
func (s Severity) Less(other Severity) bool { return s.Rank() < other.Rank() }

// ConditionEntry is the clinical display data for one condition key.
type ConditionEntry struct {
	Key             string   `yaml:"key" json:"key"`
	DisplayName     string   `yaml:"display_name" json:"display_name"`
	Description     string   `yaml:"description" json:"description"`
	Severity        Severity `yaml:"severity" json:"severity"`
	Recommendations []string `yaml:"recommendations" json:"recommendations"`
}

func (e ConditionEntry) clone() ConditionEntry {
	e.Recommendations = append([]string(nil), e.Recommendations...)
	return e
}

// Base is a read-only mapping from condition key to ConditionEntry.
type Base struct {
	entries map[string]ConditionEntry
	keys    []string
}

// New validates entries and builds an immutable knowledge base.
func New(entries []ConditionEntry) (*Base, error) {
	if len(entries) == 0 {
		return nil, errors.New("knowledge base has no conditions")
	}
	b := &Base{entries: make(map[string]ConditionEntry, len(entries))}
	for i, entry := range entries {
		entry.Key = strings.TrimSpace(entry.Key)
		switch {
		case entry.Key == "":
			return nil, fmt.Errorf("condition %d: key is required", i)
		case entry.DisplayName == "":
			return nil, fmt.Errorf("condition %q: display name is required", entry.Key)
		case !entry.Severity.Valid():
			return nil, fmt.Errorf("condition %q: invalid severity %q", entry.Key, entry.Severity)
		case len(entry.Recommendations) == 0:
			return nil, fmt.Errorf("condition %q: at least one recommendation is required", entry.Key)
		}
		if _, dup := b.entries[entry.Key]; dup {
			return nil, fmt.Errorf("condition %q: duplicate key", entry.Key)
		}
		b.entries[entry.Key] = entry.clone()
		b.keys = append(b.keys, entry.Key)
	}
	sort.Strings(b.keys)
	return b, nil
}

// LoadFile reads a YAML knowledge base of the form `conditions: [...]`.
func LoadFile(path string) (*Base, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}
	var doc struct {
		Conditions []ConditionEntry `yaml:"conditions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse knowledge base %s: %w", path, err)
	}
	return New(doc.Conditions)
}

// Lookup returns a copy of the entry for key.
func (b *Base) Lookup(key string) (ConditionEntry, error) {
	entry, ok := b.entries[key]
	if !ok {
		return ConditionEntry{}, &UnknownConditionError{Key: key}
	}
	return entry.clone(), nil
}

// Keys returns the sorted key set.
func (b *Base) Keys() []string {
	return append([]string(nil), b.keys...)
}

// Entries returns copies of every entry ordered by key.
func (b *Base) Entries() []ConditionEntry {
	out := make([]ConditionEntry, 0, len(b.keys))
	for _, key := range b.keys {
		out = append(out, b.entries[key].clone())
	}
	return out
}

// Len returns the number of conditions.
func (b *Base) Len() int { return len(b.keys) }
