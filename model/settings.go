package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SettingsVersion is the current settings schema version.
const SettingsVersion = 1

// SyncSettings controls automatic synchronization.
type SyncSettings struct {
	AutoSync     bool `json:"autoSync"`
	SyncInterval int  `json:"syncInterval"`
}

// ThemeSettings is the user-facing appearance configuration.
type ThemeSettings struct {
	Mode   string `json:"mode"`
	Accent string `json:"accent,omitempty"`
}

// Settings is the account-wide settings document. It merges with the
// same last-write-wins policy as the map and manifests.
type Settings struct {
	Version     int           `json:"version"`
	LastUpdated time.Time     `json:"last_updated"`
	Sync        SyncSettings  `json:"sync"`
	Theme       ThemeSettings `json:"theme"`
}

// NewSettings creates defaults for a fresh account.
func NewSettings(now time.Time) Settings {
	return Settings{
		Version:     SettingsVersion,
		LastUpdated: now.UTC(),
		Sync:        SyncSettings{AutoSync: true, SyncInterval: 300},
		Theme:       ThemeSettings{Mode: "system"},
	}
}

// Update replaces the document's values and stamps it.
func (s Settings) Update(sync SyncSettings, theme ThemeSettings, now time.Time) Settings {
	s.Sync = sync
	s.Theme = theme
	s.LastUpdated = now.UTC()
	return s
}

// Marshal encodes the settings for envelope encryption.
func (s Settings) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling settings: %w", err)
	}
	return data, nil
}

// UnmarshalSettings decodes decrypted settings.
func UnmarshalSettings(data []byte) (Settings, error) {
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parsing settings: %w", err)
	}
	return s, nil
}
