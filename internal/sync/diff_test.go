package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDiffSnapshot(t *testing.T) {
	base := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)

	snapshot := map[string]time.Time{
		"a": base,                    // unchanged
		"b": base.Add(2 * time.Hour), // timestamp moved
		"c": base,                    // new
	}
	stored := map[string]time.Time{
		"a": base,
		"b": base,
		"d": base, // gone from snapshot
	}

	delta := DiffSnapshot(snapshot, stored)
	assert.ElementsMatch(t, []string{"c"}, delta.Added)
	assert.ElementsMatch(t, []string{"b"}, delta.Changed)
	assert.ElementsMatch(t, []string{"d"}, delta.Removed)
	assert.False(t, delta.Empty())
}

func TestDiffSnapshotIdentical(t *testing.T) {
	base := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)
	snapshot := map[string]time.Time{"a": base, "b": base}
	stored := map[string]time.Time{"a": base, "b": base}

	delta := DiffSnapshot(snapshot, stored)
	assert.True(t, delta.Empty())
}

func TestDiffSnapshotSubSecondNoise(t *testing.T) {
	base := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)
	// The CRM truncates timestamps differently between endpoints.
	snapshot := map[string]time.Time{"a": base.Add(300 * time.Millisecond)}
	stored := map[string]time.Time{"a": base}

	delta := DiffSnapshot(snapshot, stored)
	assert.True(t, delta.Empty())
}

func TestDiffSnapshotEmptySides(t *testing.T) {
	base := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)

	delta := DiffSnapshot(map[string]time.Time{"a": base}, nil)
	assert.ElementsMatch(t, []string{"a"}, delta.Added)

	delta = DiffSnapshot(nil, map[string]time.Time{"a": base})
	assert.ElementsMatch(t, []string{"a"}, delta.Removed)

	assert.True(t, DiffSnapshot(nil, nil).Empty())
}
