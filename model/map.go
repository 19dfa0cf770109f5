// Package model holds the pure data-model managers of the engine: the
// root map of notebooks, per-notebook manifests, and settings. All
// mutators are side-effect free, returning updated copies, and every
// document merges with the same last-write-wins policy.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MapVersion is the current root map schema version.
const MapVersion = 1

// MapEntry is one notebook listed in the root map.
type MapEntry struct {
	UUID  string `json:"uuid"`
	Title string `json:"title"`
}

// Map is the root-level listing of the notebooks owned by an account.
// UUIDs are unique within Entries.
type Map struct {
	Version     int        `json:"version"`
	LastUpdated time.Time  `json:"last_updated"`
	Entries     []MapEntry `json:"entries"`
}

// NewMap creates an empty root map stamped with the current schema
// version and timestamp.
func NewMap(now time.Time) Map {
	return Map{Version: MapVersion, LastUpdated: now.UTC(), Entries: []MapEntry{}}
}

// Entry returns the entry with the given uuid, if present.
func (m Map) Entry(uuid string) (MapEntry, bool) {
	for _, e := range m.Entries {
		if e.UUID == uuid {
			return e, true
		}
	}
	return MapEntry{}, false
}

// Upsert adds or replaces a notebook entry and stamps the map.
func (m Map) Upsert(entry MapEntry, now time.Time) Map {
	entries := make([]MapEntry, 0, len(m.Entries)+1)
	replaced := false
	for _, e := range m.Entries {
		if e.UUID == entry.UUID {
			entries = append(entries, entry)
			replaced = true
			continue
		}
		entries = append(entries, e)
	}
	if !replaced {
		entries = append(entries, entry)
	}
	m.Entries = entries
	m.LastUpdated = now.UTC()
	return m
}

// Remove deletes a notebook entry and stamps the map. Removing an
// absent uuid still stamps, keeping the operation total.
func (m Map) Remove(uuid string, now time.Time) Map {
	entries := make([]MapEntry, 0, len(m.Entries))
	for _, e := range m.Entries {
		if e.UUID != uuid {
			entries = append(entries, e)
		}
	}
	m.Entries = entries
	m.LastUpdated = now.UTC()
	return m
}

// Marshal encodes the map for envelope encryption.
func (m Map) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling map: %w", err)
	}
	return data, nil
}

// UnmarshalMap decodes a decrypted root map.
func UnmarshalMap(data []byte) (Map, error) {
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return Map{}, fmt.Errorf("parsing map: %w", err)
	}
	return m, nil
}
