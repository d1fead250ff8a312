// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cowtree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/cowstore/internal/store/types"
)

func filled(t *testing.T, keys ...uint64) *Tree[uint64, string] {
	t.Helper()

	tree := New[uint64, string]()
	v := tree.View(0, false)
	for _, k := range keys {
		v.Set(k, "v")
	}
	tree.Apply(v, 1)

	return tree
}

func TestViewIsolation(t *testing.T) {
	tree := filled(t, 10, 20)

	a := tree.View(1, false)
	b := tree.View(1, false)

	a.Set(30, "a")
	a.Delete(10)

	_, ok := b.Peek(30)
	require.False(t, ok)
	_, ok = b.Peek(10)
	require.True(t, ok)

	tree.Apply(a, 2)

	_, ok = tree.Get(10)
	require.False(t, ok)
	val, ok := tree.Get(30)
	require.True(t, ok)
	require.Equal(t, "a", val)

	// Snapshot taken before the commit does not change.
	_, ok = b.Peek(10)
	require.True(t, ok)
	require.Equal(t, types.JournalSeq(2), tree.Seq())
}

func TestValidateWriteWrite(t *testing.T) {
	tree := filled(t, 10)

	a := tree.View(1, false)
	b := tree.View(1, false)
	a.Set(10, "a")
	b.Set(10, "b")

	require.NoError(t, tree.Validate(a, types.Snapshot))
	tree.Apply(a, 2)

	err := tree.Validate(b, types.Snapshot)
	require.True(t, types.Conflict.Has(err))
}

func TestValidateReadsDependOnPolicy(t *testing.T) {
	tree := filled(t, 10, 20)

	a := tree.View(1, false)
	b := tree.View(1, false)

	a.Set(10, "a")
	_, _ = b.Get(10)
	b.Set(20, "b")

	tree.Apply(a, 2)

	require.NoError(t, tree.Validate(b, types.Snapshot))
	require.True(t, types.Conflict.Has(tree.Validate(b, types.Serializable)))
}

func TestWeakViewRecordsNothing(t *testing.T) {
	tree := filled(t, 10)

	w := tree.View(1, true)
	_, _ = w.Get(10)
	w.Range(0, 100, func(uint64, string) bool { return true })

	a := tree.View(1, false)
	a.Set(10, "a")
	tree.Apply(a, 2)

	require.NoError(t, tree.Validate(w, types.Serializable))
}

func TestRangeReadsDetectInsert(t *testing.T) {
	tree := filled(t, 10, 50)

	reader := tree.View(1, false)
	var seen []uint64
	reader.Range(0, 40, func(k uint64, _ string) bool {
		seen = append(seen, k)
		return true
	})
	require.Equal(t, []uint64{10}, seen)

	writer := tree.View(1, false)
	writer.Set(30, "new")
	tree.Apply(writer, 2)

	require.Error(t, tree.Validate(reader, types.Serializable))
}

func TestGuardAlwaysValidated(t *testing.T) {
	tree := filled(t, 10)

	a := tree.View(1, false)
	a.Guard(0, 100)
	a.Set(64, "a")

	b := tree.View(1, false)
	b.Set(32, "b")
	tree.Apply(b, 2)

	require.True(t, types.Conflict.Has(tree.Validate(a, types.Snapshot)))
}

func TestFloor(t *testing.T) {
	tree := filled(t, 10, 20)
	v := tree.View(1, false)

	k, _, ok := v.Floor(15)
	require.True(t, ok)
	require.Equal(t, uint64(10), k)

	_, _, ok = v.Floor(5)
	require.False(t, ok)

	// Insert between the floor key and the searched one is a conflict.
	w := tree.View(1, false)
	w.Set(12, "w")
	tree.Apply(w, 2)

	require.Error(t, tree.Validate(v, types.Serializable))
}

func TestTouchAndPrune(t *testing.T) {
	tree := filled(t, 10)

	v := tree.View(1, false)
	_, _ = v.Get(10)

	tree.Touch(2, 10)
	require.Error(t, tree.Validate(v, types.Serializable))

	// Below the threshold nothing is pruned.
	require.Zero(t, tree.Prune(2))
}

func TestWritesSortedAndReset(t *testing.T) {
	tree := New[uint64, int]()
	v := tree.View(0, false)
	v.Set(3, 3)
	v.Set(1, 1)
	v.Delete(2)

	writes := v.Writes()
	require.Len(t, writes, 3)
	require.Equal(t, uint64(1), writes[0].Key)
	require.True(t, writes[1].Deleted)

	tree.Reset(writes, 7)
	require.Equal(t, 2, tree.Len())
	require.Equal(t, types.JournalSeq(7), tree.Seq())
}
