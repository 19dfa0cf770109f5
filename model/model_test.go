package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	runestone "github.com/speedyibbi/runestone"
)

func TestMapUpsertAndRemove(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewMap(now)
	require.Empty(t, m.Entries)

	later := now.Add(time.Minute)
	m = m.Upsert(MapEntry{UUID: "n1", Title: "Work"}, later)
	require.Equal(t, later, m.LastUpdated)

	// Upsert with the same uuid replaces, never duplicates.
	m = m.Upsert(MapEntry{UUID: "n1", Title: "Work notes"}, later.Add(time.Minute))
	require.Len(t, m.Entries, 1)
	got, ok := m.Entry("n1")
	require.True(t, ok)
	require.Equal(t, "Work notes", got.Title)

	m = m.Remove("n1", later.Add(2*time.Minute))
	require.Empty(t, m.Entries)
	_, ok = m.Entry("n1")
	require.False(t, ok)
}

func TestManifestAddUpdateRemove(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManifest("nb1", "Notes", now)

	h1 := runestone.HashBytes([]byte("v1"))
	m = m.AddEntry("e1", EntryTypeNote, "First", h1, 2, now.Add(time.Minute))

	got, ok := m.Entry("e1")
	require.True(t, ok)
	require.Equal(t, 1, got.Version)
	require.Equal(t, h1, got.Hash)

	// Every mutation bumps the entry version and the manifest stamp.
	h2 := runestone.HashBytes([]byte("v2"))
	updateTime := now.Add(2 * time.Minute)
	m = m.UpdateEntry("e1", "First (edited)", h2, 2, updateTime)

	got, ok = m.Entry("e1")
	require.True(t, ok)
	require.Equal(t, 2, got.Version)
	require.Equal(t, h2, got.Hash)
	require.Equal(t, updateTime, got.LastUpdated)
	require.Equal(t, updateTime, m.LastUpdated)

	m = m.RemoveEntry("e1", now.Add(3*time.Minute))
	require.Empty(t, m.Entries)
}

func TestManifestUpdateUnknownUUIDAdds(t *testing.T) {
	now := time.Now().UTC()
	m := NewManifest("nb1", "Notes", now)

	h := runestone.HashBytes([]byte("content"))
	m = m.UpdateEntry("new", "Title", h, 7, now)

	got, ok := m.Entry("new")
	require.True(t, ok)
	require.Equal(t, 1, got.Version)
}

func TestManifestMutatorsDoNotAliasInput(t *testing.T) {
	now := time.Now().UTC()
	orig := NewManifest("nb1", "Notes", now)
	orig = orig.AddEntry("e1", EntryTypeNote, "A", runestone.HashBytes([]byte("a")), 1, now)

	_ = orig.AddEntry("e2", EntryTypeNote, "B", runestone.HashBytes([]byte("b")), 1, now)
	require.Len(t, orig.Entries, 1)
}

func TestManifestMarshalRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManifest("nb1", "Notes", now)
	m = m.AddEntry("e1", EntryTypeMedia, "Pic", runestone.HashBytes([]byte("img")), 1024, now)

	data, err := m.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalManifest(data)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestMapMarshalRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewMap(now).Upsert(MapEntry{UUID: "n1", Title: "Work"}, now)

	data, err := m.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMap(data)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestSettingsUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewSettings(now)
	require.True(t, s.Sync.AutoSync)

	later := now.Add(time.Minute)
	s = s.Update(SyncSettings{AutoSync: false, SyncInterval: 60}, ThemeSettings{Mode: "dark"}, later)
	require.False(t, s.Sync.AutoSync)
	require.Equal(t, later, s.LastUpdated)

	data, err := s.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalSettings(data)
	require.NoError(t, err)
	require.Equal(t, s, got)
}
