// Package profiles encodes download_profiles sets and updates them with compare-and-swap writes.
package profiles

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/questsync/internal/syncerr"
	"gorm.io/gorm"
)

// Column is the name of the download flag column on flagged tables.
const Column = "download_profiles"

// Set is the sorted, duplicate-free set of profile identifiers stored in download_profiles.
type Set []string

// NewSet builds a normalized set.
func NewSet(ids ...string) Set {
	seen := make(map[string]bool, len(ids))
	result := make(Set, 0, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		result = append(result, trimmed)
	}
	sort.Strings(result)
	return result
}

// Contains reports whether profile is a member.
func (s Set) Contains(profile string) bool {
	index := sort.SearchStrings(s, profile)
	return index < len(s) && s[index] == profile
}

// Add returns the set with profile added.
func (s Set) Add(profile string) Set {
	return NewSet(append(append([]string(nil), s...), profile)...)
}

// Remove returns the set without profile.
func (s Set) Remove(profile string) Set {
	result := make(Set, 0, len(s))
	for _, id := range s {
		if id != profile {
			result = append(result, id)
		}
	}
	return result
}

// Equal compares two normalized sets.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for index := range s {
		if s[index] != other[index] {
			return false
		}
	}
	return true
}

// Encode renders the column text; an empty set encodes as "[]".
func (s Set) Encode() string {
	if len(s) == 0 {
		return "[]"
	}
	payload, _ := json.Marshal([]string(s))
	return string(payload)
}

// Value implements driver.Valuer.
func (s Set) Value() (driver.Value, error) {
	return s.Encode(), nil
}

// Scan implements sql.Scanner.
func (s *Set) Scan(value any) error {
	decoded, err := Decode(value)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// Decode parses a raw column value as stored by either partition or the remote store.
func Decode(value any) (Set, error) {
	var raw string
	switch typed := value.(type) {
	case nil:
		return Set{}, nil
	case string:
		raw = typed
	case []byte:
		raw = string(typed)
	case []string:
		return NewSet(typed...), nil
	case []any:
		ids := make([]string, 0, len(typed))
		for _, element := range typed {
			text, ok := element.(string)
			if !ok {
				return nil, fmt.Errorf("profiles: unexpected element %T", element)
			}
			ids = append(ids, text)
		}
		return NewSet(ids...), nil
	default:
		return nil, fmt.Errorf("profiles: unexpected column type %T", value)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return Set{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("profiles: decode %q: %w", raw, err)
	}
	return NewSet(ids...), nil
}

type columnRow struct {
	Profiles *string `gorm:"column:download_profiles"`
}

// Update applies mutate to the download_profiles of row id in table as a compare-and-swap.
// It retries once when another writer changed the row in between and then reports
// syncerr.ErrWriteConflict. Missing rows report found=false.
func Update(tx *gorm.DB, table, id string, mutate func(Set) Set) (after Set, changed bool, found bool, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		var current columnRow
		result := tx.Table(table).Select(Column).Where("id = ?", id).Limit(1).Find(&current)
		if result.Error != nil {
			return nil, false, false, result.Error
		}
		if result.RowsAffected == 0 {
			return nil, false, false, nil
		}

		var raw any
		if current.Profiles != nil {
			raw = *current.Profiles
		}
		before, decodeErr := Decode(raw)
		if decodeErr != nil {
			return nil, false, true, decodeErr
		}
		next := NewSet(mutate(before)...)
		if next.Equal(before) && current.Profiles != nil && *current.Profiles == before.Encode() {
			return before, false, true, nil
		}

		query := tx.Table(table).Where("id = ?", id)
		if current.Profiles == nil {
			query = query.Where(Column + " IS NULL")
		} else {
			query = query.Where(Column+" = ?", *current.Profiles)
		}
		update := query.Update(Column, next.Encode())
		if update.Error != nil {
			return nil, false, true, update.Error
		}
		if update.RowsAffected == 1 {
			return next, !next.Equal(before), true, nil
		}
	}
	return nil, false, true, syncerr.ErrWriteConflict
}
