package watcher

import (
	"time"

	"github.com/kingrea/loom/internal/document"
	"github.com/kingrea/loom/internal/index"
)

// Reconcile diffs a full vault listing against the shadow index and returns
// the mutations the detector missed: the crash-recovery backstop for watcher
// downtime. Paths present on disk but absent (or stale) in the index replay
// as created/updated; indexed paths gone from disk replay as deleted.
func Reconcile(source document.Source, store *index.Store, now time.Time) ([]Mutation, error) {
	paths, err := source.List()
	if err != nil {
		return nil, err
	}
	indexed, err := store.AllPaths()
	if err != nil {
		return nil, err
	}
	var mutations []Mutation
	onDisk := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		onDisk[path] = struct{}{}
		node, known := indexed[path]
		if !known || node.Deleted() {
			mutations = append(mutations, Mutation{Path: path, Kind: KindCreated, At: now})
			continue
		}
		doc, err := source.Read(path)
		if err != nil {
			// Unreadable now; the live watcher will pick up the next write.
			continue
		}
		if document.ContentHash(doc) != node.ContentHash {
			mutations = append(mutations, Mutation{Path: path, Kind: KindUpdated, At: now})
		}
	}
	for path, node := range indexed {
		if node.Deleted() {
			continue
		}
		if _, present := onDisk[path]; !present {
			mutations = append(mutations, Mutation{Path: path, Kind: KindDeleted, At: now})
		}
	}
	return mutations, nil
}
