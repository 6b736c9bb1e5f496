package sync

import "time"

// SnapshotDelta is the outcome of comparing an external full snapshot
// against the locally stored active set. The same set-difference shows up
// twice in this system (list membership reconciliation and exit-driven
// cleanup), so it lives here as one primitive.
type SnapshotDelta struct {
	// Added holds ids present in the snapshot but not stored.
	Added []string
	// Changed holds ids present on both sides whose snapshot timestamp
	// differs from the stored one.
	Changed []string
	// Removed holds ids stored as active but absent from the snapshot.
	Removed []string
}

// DiffSnapshot compares snapshot against stored, both keyed by external id
// with their observed timestamps. Timestamps are compared at second
// precision since the CRM truncates them inconsistently across endpoints.
func DiffSnapshot(snapshot, stored map[string]time.Time) SnapshotDelta {
	var delta SnapshotDelta
	for id, ts := range snapshot {
		storedTS, ok := stored[id]
		if !ok {
			delta.Added = append(delta.Added, id)
			continue
		}
		if !ts.Truncate(time.Second).Equal(storedTS.Truncate(time.Second)) {
			delta.Changed = append(delta.Changed, id)
		}
	}
	for id := range stored {
		if _, ok := snapshot[id]; !ok {
			delta.Removed = append(delta.Removed, id)
		}
	}
	return delta
}

// Empty reports whether the diff found nothing to apply.
func (d SnapshotDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}
