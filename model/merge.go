package model

import "time"

// Last-write-wins merge. The side with the strictly greater last_updated
// timestamp is the base; its view of every shared entry wins. Entries
// present only on the non-base side are appended unchanged, so no data
// is lost across divergent branches. When timestamps are exactly equal
// the remote side is preferred, an arbitrary but fixed tie-break that
// keeps merges idempotent.
//
// A conflict is counted for each shared entry whose content differs in
// a way visible to the user: differing hash for manifest entries,
// differing title for map entries. Settings carry no entry list, so
// settings merges never report conflicts.

// remoteIsBase reports whether the remote side wins the timestamp
// comparison (remote wins exact ties).
func remoteIsBase(local, remote time.Time) bool {
	return !remote.Before(local)
}

// MergeMaps merges a local and remote root map, returning the merged
// map and the number of conflicting entries.
func MergeMaps(local, remote Map) (Map, int) {
	base, other := local, remote
	if remoteIsBase(local.LastUpdated, remote.LastUpdated) {
		base, other = remote, local
	}

	merged := Map{
		Version:     max(local.Version, remote.Version),
		LastUpdated: base.LastUpdated,
		Entries:     make([]MapEntry, 0, len(base.Entries)+len(other.Entries)),
	}
	merged.Entries = append(merged.Entries, base.Entries...)

	conflicts := 0
	for _, e := range other.Entries {
		b, shared := base.Entry(e.UUID)
		if !shared {
			merged.Entries = append(merged.Entries, e)
			continue
		}
		if b.Title != e.Title {
			conflicts++
		}
	}
	return merged, conflicts
}

// MergeManifests merges a local and remote manifest, returning the
// merged manifest and the number of conflicting entries.
func MergeManifests(local, remote Manifest) (Manifest, int) {
	base, other := local, remote
	if remoteIsBase(local.LastUpdated, remote.LastUpdated) {
		base, other = remote, local
	}

	merged := Manifest{
		ManifestVersion: max(local.ManifestVersion, remote.ManifestVersion),
		LastUpdated:     base.LastUpdated,
		NotebookID:      base.NotebookID,
		NotebookTitle:   base.NotebookTitle,
		Entries:         make([]ManifestEntry, 0, len(base.Entries)+len(other.Entries)),
	}
	merged.Entries = append(merged.Entries, base.Entries...)

	conflicts := 0
	for _, e := range other.Entries {
		b, shared := base.Entry(e.UUID)
		if !shared {
			merged.Entries = append(merged.Entries, e)
			continue
		}
		if b.Hash != e.Hash {
			conflicts++
		}
	}
	return merged, conflicts
}

// MergeSettings merges a local and remote settings document. The base
// wins wholesale; there is no entry-level conflict to report.
func MergeSettings(local, remote Settings) (Settings, int) {
	base := local
	if remoteIsBase(local.LastUpdated, remote.LastUpdated) {
		base = remote
	}
	base.Version = max(local.Version, remote.Version)
	return base, 0
}
