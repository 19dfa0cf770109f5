package runestone

import (
	"fmt"
	"strings"
)

// Kind identifies what a logical tier path points at.
type Kind string

const (
	KindRootMeta     Kind = "rootMeta"
	KindRootMap      Kind = "rootMap"
	KindSettings     Kind = "settings"
	KindNotebookMeta Kind = "notebookMeta"
	KindManifest     Kind = "manifest"
	KindBlob         Kind = "blob"
)

// Fixed file names of the tier layout. Everything with a ".enc" suffix is
// stored as a packed envelope; meta files hold only wrapped keys and are
// stored unencrypted.
const (
	rootMetaFile     = "meta.json"
	rootMapFile      = "map.json.enc"
	settingsFile     = "settings.json.enc"
	notebookMetaFile = "meta.json"
	manifestFile     = "manifest.json.enc"
	blobDir          = "blobs"
	blobSuffix       = ".enc"
)

// Path is a logical address in the tier-agnostic storage layout:
//
//	meta.json                       root meta
//	map.json.enc                    root map
//	settings.json.enc               settings
//	<notebookId>/meta.json          notebook meta
//	<notebookId>/manifest.json.enc  manifest
//	<notebookId>/blobs/<uuid>.enc   entry content
//
// The same Path resolves on both the local cache and the remote store.
type Path struct {
	Kind       Kind
	NotebookID string
	UUID       string
}

// RootMetaPath returns the path of the account's root meta record.
func RootMetaPath() Path { return Path{Kind: KindRootMeta} }

// RootMapPath returns the path of the encrypted root map.
func RootMapPath() Path { return Path{Kind: KindRootMap} }

// SettingsPath returns the path of the encrypted settings document.
func SettingsPath() Path { return Path{Kind: KindSettings} }

// NotebookMetaPath returns the path of a notebook's meta record.
func NotebookMetaPath(notebookID string) Path {
	return Path{Kind: KindNotebookMeta, NotebookID: notebookID}
}

// ManifestPath returns the path of a notebook's encrypted manifest.
func ManifestPath(notebookID string) Path {
	return Path{Kind: KindManifest, NotebookID: notebookID}
}

// BlobPath returns the path of an entry's encrypted content blob.
func BlobPath(notebookID, uuid string) Path {
	return Path{Kind: KindBlob, NotebookID: notebookID, UUID: uuid}
}

// Key returns the storage key for this path, using "/" as the separator
// on every tier.
func (p Path) Key() string {
	switch p.Kind {
	case KindRootMeta:
		return rootMetaFile
	case KindRootMap:
		return rootMapFile
	case KindSettings:
		return settingsFile
	case KindNotebookMeta:
		return p.NotebookID + "/" + notebookMetaFile
	case KindManifest:
		return p.NotebookID + "/" + manifestFile
	case KindBlob:
		return p.NotebookID + "/" + blobDir + "/" + p.UUID + blobSuffix
	default:
		return ""
	}
}

// String returns the storage key.
func (p Path) String() string { return p.Key() }

// IsZero returns true for the zero Path.
func (p Path) IsZero() bool { return p.Kind == "" }

// Validate checks that the path's components are consistent with its kind.
func (p Path) Validate() error {
	switch p.Kind {
	case KindRootMeta, KindRootMap, KindSettings:
		if p.NotebookID != "" || p.UUID != "" {
			return fmt.Errorf("path kind %s takes no notebook or uuid", p.Kind)
		}
	case KindNotebookMeta, KindManifest:
		if p.NotebookID == "" {
			return fmt.Errorf("path kind %s requires a notebook id", p.Kind)
		}
		if p.UUID != "" {
			return fmt.Errorf("path kind %s takes no uuid", p.Kind)
		}
	case KindBlob:
		if p.NotebookID == "" || p.UUID == "" {
			return fmt.Errorf("path kind %s requires a notebook id and uuid", p.Kind)
		}
	default:
		return fmt.Errorf("unknown path kind %q", p.Kind)
	}
	return nil
}

// BlobPrefix returns the key prefix under which all of a notebook's
// blobs live, used for tier listings.
func BlobPrefix(notebookID string) string {
	return notebookID + "/" + blobDir
}

// NotebookPrefix returns the key prefix of everything belonging to a
// notebook.
func NotebookPrefix(notebookID string) string {
	return notebookID
}

// ParsePath parses a storage key back into a Path.
func ParsePath(key string) (Path, error) {
	switch key {
	case rootMetaFile:
		return RootMetaPath(), nil
	case rootMapFile:
		return RootMapPath(), nil
	case settingsFile:
		return SettingsPath(), nil
	}

	parts := strings.Split(key, "/")
	switch len(parts) {
	case 2:
		switch parts[1] {
		case notebookMetaFile:
			return NotebookMetaPath(parts[0]), nil
		case manifestFile:
			return ManifestPath(parts[0]), nil
		}
	case 3:
		if parts[1] == blobDir && strings.HasSuffix(parts[2], blobSuffix) {
			uuid := strings.TrimSuffix(parts[2], blobSuffix)
			if uuid != "" {
				return BlobPath(parts[0], uuid), nil
			}
		}
	}
	return Path{}, fmt.Errorf("invalid storage key: %s", key)
}
