// OpenSOC/Spyglass - index tests
// Copyright (C) 2024 The OpenSOC Developers; All Rights Reserved
// <dev (at) opensoc (dot) io>

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package spyglass

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collectIDs(t *testing.T, q *QueryHandle) []uint64 {
	t.Helper()
	var all []uint64
	timeout := time.After(10 * time.Second)
	for {
		select {
		case res, ok := <-q.Results:
			if !ok {
				sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
				return all
			}
			it := res.IDs.Iterator()
			for it.HasNext() {
				all = append(all, it.Next())
			}
		case <-timeout:
			t.Fatal("query did not complete")
		}
	}
}

func startIndex(t *testing.T, dir string, cfg IndexConfig) (*Index, context.CancelFunc, chan error) {
	t.Helper()
	idx, err := NewIndex(dir, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- idx.Run(ctx) }()
	return idx, cancel, done
}

func stopIndex(t *testing.T, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("index did not shut down")
	}
}

func TestIndexIngestAndQuery(t *testing.T) {
	dir := t.TempDir()
	cfg := IndexConfig{PartitionCapacity: 4, TastePartitions: 16, NumWorkers: 2}
	idx, cancel, done := startIndex(t, dir, cfg)

	layout := intLayout()
	// Three slices; capacity 4 forces a partition roll after the first
	// two.
	idx.In() <- intSlice(layout, 0, 1, 2)
	idx.In() <- intSlice(layout, 2, 3, 1)
	idx.In() <- intSlice(layout, 4, 1, 5)

	require.Eventually(t, func() bool {
		q := idx.Query(NewPred(FieldExtractor("x"), OpEq, NewInt(1)))
		ids := collectIDs(t, q)
		return len(ids) == 3
	}, 5*time.Second, 50*time.Millisecond)

	q := idx.Query(NewPred(FieldExtractor("x"), OpEq, NewInt(1)))
	require.Equal(t, []uint64{0, 3, 4}, collectIDs(t, q))

	q = idx.Query(NewPred(FieldExtractor("x"), OpEq, NewInt(9)))
	require.Empty(t, collectIDs(t, q))

	stopIndex(t, cancel, done)
}

func TestIndexPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := IndexConfig{PartitionCapacity: 4, TastePartitions: 16, NumWorkers: 2}
	idx, cancel, done := startIndex(t, dir, cfg)

	layout := intLayout()
	idx.In() <- intSlice(layout, 0, 1, 2, 3, 1)
	idx.In() <- intSlice(layout, 4, 1, 9)
	stopIndex(t, cancel, done) // seals and persists everything

	// A fresh index rebuilds its view from disk and serves the same
	// queries through passive partitions.
	idx2, cancel2, done2 := startIndex(t, dir, cfg)
	q := idx2.Query(NewPred(FieldExtractor("x"), OpEq, NewInt(1)))
	require.Equal(t, []uint64{0, 3, 4}, collectIDs(t, q))
	stopIndex(t, cancel2, done2)
}

func TestIndexMetaPruning(t *testing.T) {
	dir := t.TempDir()
	cfg := IndexConfig{PartitionCapacity: 3, TastePartitions: 16, NumWorkers: 2}
	idx, cancel, done := startIndex(t, dir, cfg)

	layout := timeLayout()
	idx.In() <- timeSlice(layout, 0, 1, 2, 3) // seals at capacity
	idx.In() <- timeSlice(layout, 3, 100, 200, 300)

	at := func(secs int64) Val { return NewTimeNs(secs * int64(time.Second)) }

	require.Eventually(t, func() bool {
		q := idx.Query(NewPred(FieldExtractor("ts"), OpGt, at(50)))
		ids := collectIDs(t, q)
		return len(ids) == 3
	}, 5*time.Second, 50*time.Millisecond)

	// The early partition is pruned before evaluation.
	q := idx.Query(NewPred(FieldExtractor("ts"), OpGt, at(50)))
	require.Equal(t, 1, q.Candidates)
	require.Equal(t, []uint64{3, 4, 5}, collectIDs(t, q))

	stopIndex(t, cancel, done)
}

func TestIndexQueryBatching(t *testing.T) {
	dir := t.TempDir()
	// One partition per slice, first batch limited to one partition.
	cfg := IndexConfig{PartitionCapacity: 2, TastePartitions: 1, NumWorkers: 2}
	idx, cancel, done := startIndex(t, dir, cfg)

	layout := intLayout()
	idx.In() <- intSlice(layout, 0, 1, 1)
	idx.In() <- intSlice(layout, 2, 1, 1)
	idx.In() <- intSlice(layout, 4, 1, 1)

	require.Eventually(t, func() bool {
		q := idx.Query(NewPred(FieldExtractor("x"), OpEq, NewInt(1)))
		defer q.Cancel()
		return q.Candidates == 3
	}, 5*time.Second, 50*time.Millisecond)

	q := idx.Query(NewPred(FieldExtractor("x"), OpEq, NewInt(1)))
	require.Equal(t, 3, q.Candidates)

	// First batch: exactly one partition's results.
	res := <-q.Results
	require.Equal(t, uint64(2), res.IDs.GetCardinality())

	// Ask for the rest.
	q.More(2)
	require.Len(t, collectIDs(t, q), 4)

	stopIndex(t, cancel, done)
}

func TestIndexFlushListener(t *testing.T) {
	dir := t.TempDir()
	cfg := IndexConfig{PartitionCapacity: 2, TastePartitions: 4, NumWorkers: 1}
	idx, err := NewIndex(dir, cfg)
	require.NoError(t, err)

	events := make(chan FlushEvent, 8)
	idx.SubscribeFlush(events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- idx.Run(ctx) }()

	idx.In() <- intSlice(intLayout(), 0, 1, 2) // fills the partition

	select {
	case ev := <-events:
		require.NotEqual(t, "00000000-0000-0000-0000-000000000000", ev.Partition.String())
	case <-time.After(5 * time.Second):
		t.Fatal("no flush notification")
	}

	cancel()
	<-done
}

func TestIndexStatus(t *testing.T) {
	dir := t.TempDir()
	cfg := IndexConfig{PartitionCapacity: 100, TastePartitions: 4, NumWorkers: 3, MaxInmemPartitions: 7}
	idx, cancel, done := startIndex(t, dir, cfg)

	idx.In() <- intSlice(intLayout(), 0, 1, 2, 3)

	require.Eventually(t, func() bool {
		return idx.Status()["active.rows"] == "3"
	}, 5*time.Second, 50*time.Millisecond)

	status := idx.Status()
	require.Equal(t, "100", status["active.capacity"])
	require.Equal(t, "3", status["workers.total"])
	require.Equal(t, "3", status["workers.idle"])
	require.Equal(t, "7", status["cache.capacity"])

	stopIndex(t, cancel, done)
}

// EOF
