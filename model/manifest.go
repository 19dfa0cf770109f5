package model

import (
	"encoding/json"
	"fmt"
	"time"

	runestone "github.com/speedyibbi/runestone"
)

// ManifestVersion is the current manifest schema version.
const ManifestVersion = 1

// Entry types.
const (
	EntryTypeNote  = "note"
	EntryTypeMedia = "media"
)

// ManifestEntry describes one note or media item in a notebook. Hash is
// the content digest of the entry's plaintext blob; Version increments
// by one on every mutation.
type ManifestEntry struct {
	UUID        string         `json:"uuid"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Version     int            `json:"version"`
	LastUpdated time.Time      `json:"last_updated"`
	Hash        runestone.Hash `json:"hash"`
	Size        int64          `json:"size"`
}

// Manifest is the per-notebook index of entries. UUIDs are unique
// within Entries.
type Manifest struct {
	ManifestVersion int             `json:"manifest_version"`
	LastUpdated     time.Time       `json:"last_updated"`
	NotebookID      string          `json:"notebook_id"`
	NotebookTitle   string          `json:"notebook_title"`
	Entries         []ManifestEntry `json:"entries"`
}

// NewManifest creates an empty manifest for a freshly created notebook.
func NewManifest(notebookID, title string, now time.Time) Manifest {
	return Manifest{
		ManifestVersion: ManifestVersion,
		LastUpdated:     now.UTC(),
		NotebookID:      notebookID,
		NotebookTitle:   title,
		Entries:         []ManifestEntry{},
	}
}

// Entry returns the entry with the given uuid, if present.
func (m Manifest) Entry(uuid string) (ManifestEntry, bool) {
	for _, e := range m.Entries {
		if e.UUID == uuid {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// AddEntry appends a new entry at version 1 and stamps the manifest.
func (m Manifest) AddEntry(uuid, entryType, title string, hash runestone.Hash, size int64, now time.Time) Manifest {
	entry := ManifestEntry{
		UUID:        uuid,
		Type:        entryType,
		Title:       title,
		Version:     1,
		LastUpdated: now.UTC(),
		Hash:        hash,
		Size:        size,
	}
	entries := make([]ManifestEntry, len(m.Entries), len(m.Entries)+1)
	copy(entries, m.Entries)
	m.Entries = append(entries, entry)
	m.LastUpdated = now.UTC()
	return m
}

// UpdateEntry replaces an entry's content fields, bumping its version,
// and stamps the manifest. Unknown uuids fall through to AddEntry so a
// write is never lost.
func (m Manifest) UpdateEntry(uuid, title string, hash runestone.Hash, size int64, now time.Time) Manifest {
	entries := make([]ManifestEntry, 0, len(m.Entries))
	found := false
	for _, e := range m.Entries {
		if e.UUID == uuid {
			e.Title = title
			e.Hash = hash
			e.Size = size
			e.Version++
			e.LastUpdated = now.UTC()
			found = true
		}
		entries = append(entries, e)
	}
	if !found {
		return m.AddEntry(uuid, EntryTypeNote, title, hash, size, now)
	}
	m.Entries = entries
	m.LastUpdated = now.UTC()
	return m
}

// RemoveEntry deletes an entry and stamps the manifest.
func (m Manifest) RemoveEntry(uuid string, now time.Time) Manifest {
	entries := make([]ManifestEntry, 0, len(m.Entries))
	for _, e := range m.Entries {
		if e.UUID != uuid {
			entries = append(entries, e)
		}
	}
	m.Entries = entries
	m.LastUpdated = now.UTC()
	return m
}

// Rename changes the notebook title and stamps the manifest.
func (m Manifest) Rename(title string, now time.Time) Manifest {
	m.NotebookTitle = title
	m.LastUpdated = now.UTC()
	return m
}

// Marshal encodes the manifest for envelope encryption.
func (m Manifest) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	return data, nil
}

// UnmarshalManifest decodes a decrypted manifest.
func UnmarshalManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	return m, nil
}
