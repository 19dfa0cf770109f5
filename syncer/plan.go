package syncer

import (
	"context"
	"fmt"
	"sort"

	runestone "github.com/speedyibbi/runestone"
	"github.com/speedyibbi/runestone/model"
	"github.com/speedyibbi/runestone/tier"
)

// plan holds the transfer sets computed from the merged manifest
// against what each tier physically holds. A blob is stale on a side
// when that side's manifest records a different content hash than the
// merged entry, so nothing is ever re-transferred unconditionally.
type plan struct {
	download     []model.ManifestEntry
	upload       []model.ManifestEntry
	deleteRemote []string
	deleteLocal  []string
	missing      []string
}

func (p plan) units() int {
	return len(p.download) + len(p.upload) + len(p.deleteRemote) + len(p.deleteLocal)
}

func computePlan(merged, local, remote model.Manifest, localHave, remoteHave map[string]bool) plan {
	localByID := indexEntries(local)
	remoteByID := indexEntries(remote)

	var p plan
	inMerged := make(map[string]bool, len(merged.Entries))
	for _, e := range merged.Entries {
		inMerged[e.UUID] = true

		le, lListed := localByID[e.UUID]
		re, rListed := remoteByID[e.UUID]
		localFresh := localHave[e.UUID] && lListed && le.Hash == e.Hash
		remoteFresh := remoteHave[e.UUID] && rListed && re.Hash == e.Hash

		switch {
		case localFresh && remoteFresh:
		case remoteFresh:
			p.download = append(p.download, e)
		case localFresh:
			p.upload = append(p.upload, e)
		default:
			p.missing = append(p.missing, e.UUID)
		}
	}

	for uuid := range remoteHave {
		if !inMerged[uuid] {
			p.deleteRemote = append(p.deleteRemote, uuid)
		}
	}
	for uuid := range localHave {
		if !inMerged[uuid] {
			p.deleteLocal = append(p.deleteLocal, uuid)
		}
	}
	sort.Strings(p.deleteRemote)
	sort.Strings(p.deleteLocal)
	return p
}

func indexEntries(m model.Manifest) map[string]model.ManifestEntry {
	idx := make(map[string]model.ManifestEntry, len(m.Entries))
	for _, e := range m.Entries {
		idx[e.UUID] = e
	}
	return idx
}

// listBlobs returns the set of blob UUIDs a tier holds for a notebook.
func (s *Syncer) listBlobs(ctx context.Context, store tier.Store, notebookID string) (map[string]bool, error) {
	keys, err := store.List(ctx, runestone.BlobPrefix(notebookID))
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	have := make(map[string]bool, len(keys))
	for _, key := range keys {
		p, err := runestone.ParsePath(key)
		if err != nil || p.Kind != runestone.KindBlob {
			continue
		}
		have[p.UUID] = true
	}
	return have, nil
}
