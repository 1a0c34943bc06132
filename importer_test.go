// OpenSOC/Spyglass - importer tests
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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestImporterFreshStart(t *testing.T) {
	dir := t.TempDir()
	imp, err := NewImporter(dir)
	require.NoError(t, err)

	// A fresh importer starts its block at zero with an 8 Mi boundary.
	require.Equal(t, uint64(0), imp.next)
	require.Equal(t, uint64(id_block_size), imp.end)

	first, err := imp.nextID(100)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)
	second, err := imp.nextID(50)
	require.NoError(t, err)
	require.Equal(t, uint64(100), second)
	require.Equal(t, uint64(150), imp.next)
}

func TestImporterBlockAdvance(t *testing.T) {
	dir := t.TempDir()
	imp, err := NewImporter(dir)
	require.NoError(t, err)

	// Exhaust the first block; the boundary must grow in 8 Mi steps
	// and never hand out overlapping ranges.
	first, err := imp.nextID(id_block_size - 10)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)

	second, err := imp.nextID(100)
	require.NoError(t, err)
	require.Equal(t, uint64(id_block_size-10), second)
	require.Greater(t, imp.end, imp.next)
}

// A crash without a clean shutdown discards the rest of the block.
func TestImporterCrashSafety(t *testing.T) {
	dir := t.TempDir()

	imp, err := NewImporter(dir)
	require.NoError(t, err)
	allocated := uint64(3 * 1024 * 1024) // 3 Mi of the 8 Mi block
	_, err = imp.nextID(allocated)
	require.NoError(t, err)
	// No writeState(with_next): this is the crash.

	reborn, err := NewImporter(dir)
	require.NoError(t, err)

	// next snapped to the persisted end, then the boundary advanced.
	require.Equal(t, uint64(id_block_size), reborn.next)
	require.Equal(t, uint64(2*id_block_size), reborn.end)

	id, err := reborn.nextID(1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, id, uint64(id_block_size))
}

// A clean shutdown resumes exactly where it stopped.
func TestImporterCleanRestart(t *testing.T) {
	dir := t.TempDir()

	imp, err := NewImporter(dir)
	require.NoError(t, err)
	_, err = imp.nextID(1000)
	require.NoError(t, err)
	require.NoError(t, imp.writeState(write_with_next))

	reborn, err := NewImporter(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), reborn.next)

	id, err := reborn.nextID(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), id)
}

func TestImporterStateFileFormat(t *testing.T) {
	dir := t.TempDir()
	imp, err := NewImporter(dir)
	require.NoError(t, err)
	_, err = imp.nextID(42)
	require.NoError(t, err)
	require.NoError(t, imp.writeState(write_with_next))

	data, err := os.ReadFile(filepath.Join(dir, "current_id_block"))
	require.NoError(t, err)
	require.Equal(t, "8388608 42", string(data))
}

// End to end: slices get stamped with dense contiguous offsets and
// fan out to every subscriber.
func TestImporterStampsAndForwards(t *testing.T) {
	dir := t.TempDir()
	imp, err := NewImporter(dir)
	require.NoError(t, err)

	sink1 := make(chan *Slice, 8)
	sink2 := make(chan *Slice, 8)
	imp.Register(sink1)
	imp.Register(sink2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- imp.Run(ctx) }()

	layout := intLayout()
	imp.In() <- intSlice(layout, 0, 1, 2, 3)
	imp.In() <- intSlice(layout, 0, 4, 5)

	s1 := <-sink1
	s2 := <-sink1
	require.Equal(t, uint64(0), s1.Offset())
	require.Equal(t, uint64(3), s2.Offset())

	// Second subscriber sees the same slices.
	require.Equal(t, uint64(0), (<-sink2).Offset())
	require.Equal(t, uint64(3), (<-sink2).Offset())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("importer did not shut down")
	}

	// Shutdown persisted the block with next included.
	reborn, err := NewImporter(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(5), reborn.next)
}

func TestImporterStatus(t *testing.T) {
	dir := t.TempDir()
	imp, err := NewImporter(dir)
	require.NoError(t, err)
	_, err = imp.nextID(7)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- imp.Run(ctx) }()

	status := imp.Status(StatusDetailed)
	require.Equal(t, "7", status["ids.block.next"])
	require.Equal(t, "8388608", status["ids.block.end"])
	require.NotEmpty(t, status["ids.available"])

	cancel()
	<-done
}

// EOF
