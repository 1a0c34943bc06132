// OpenSOC/Spyglass - importer (ID allocation and slice fan-out)
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

/*
	The importer owns the global event ID space. It allocates blocks of
	8 Mi IDs backed by <dir>/current_id_block, stamps every inbound
	slice with a contiguous ID range, and fans slices out to its
	subscribers over bounded channels. The file holds "end" and, after
	a clean shutdown, "next"; a missing "next" on startup means the
	previous run died and the remainder of its block is discarded.

	All state is owned by the Run goroutine. Everything else talks to
	it through channels.
*/

package spyglass

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	id_block_size = 8 * 1024 * 1024 // 8 Mi IDs per block

	telemetry_rate = 10 * time.Second

	// We don't want to report minimal congestions, so batches below
	// this threshold stay quiet.
	congestion_reporting_threshold = 100
)

var (
	importer_events_total = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spyglass",
		Subsystem: "importer",
		Name:      "events_total",
		Help:      "Events stamped with IDs and forwarded downstream.",
	})
	importer_slices_total = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spyglass",
		Subsystem: "importer",
		Name:      "slices_total",
		Help:      "Slices stamped with IDs and forwarded downstream.",
	})
)

type StatusVerbosity uint8

const (
	StatusInfo StatusVerbosity = iota
	StatusDetailed
	StatusDebug
)

type importer_cmd struct {
	subscriber chan<- *Slice          // register a new sink
	status     chan map[string]string // status request; verbosity below
	verbosity  StatusVerbosity
}

type Importer struct {
	dir string

	next, end uint64 // current ID block [next, end)

	in  chan *Slice
	ctl chan importer_cmd

	subs []chan<- *Slice

	index *Index // for flush subscription pass-through, may be nil

	// telemetry, snapshotted on the timer tick
	events      uint64
	last_report time.Time

	congested_batches int

	running atomic.Bool
}

// NewImporter loads (or initialises) the persistent ID block state and
// advances the block boundary so a previous crash cannot lead to ID
// reuse.
func NewImporter(dir string) (*Importer, error) {
	imp := &Importer{
		dir: dir,
		in:  make(chan *Slice, 16),
		ctl: make(chan importer_cmd),
	}
	if err := imp.readState(); err != nil {
		return nil, err
	}
	return imp, nil
}

// In is the inbound slice stream; readers push, the importer stamps.
func (imp *Importer) In() chan<- *Slice { return imp.in }

// RegisterIndex wires the index in as both a subscriber and the flush
// subscription target.
func (imp *Importer) RegisterIndex(idx *Index) {
	imp.index = idx
	imp.Register(idx.In())
}

// Register adds an outbound subscriber (index, archive, exporters).
// Before Run starts this mutates state directly; afterwards it goes
// through the control channel like every other message.
func (imp *Importer) Register(sub chan<- *Slice) {
	if imp.running.Load() {
		imp.ctl <- importer_cmd{subscriber: sub}
		return
	}
	imp.subs = append(imp.subs, sub)
}

// SubscribeFlush forwards a flush listener to the index.
func (imp *Importer) SubscribeFlush(listener chan<- FlushEvent) {
	if imp.index != nil {
		imp.index.SubscribeFlush(listener)
	}
}

// ---- persistent state ----

type write_mode uint8

const (
	write_with_next write_mode = iota
	write_without_next
)

func (imp *Importer) stateFile() string {
	return filepath.Join(imp.dir, "current_id_block")
}

func (imp *Importer) readState() error {
	data, err := os.ReadFile(imp.stateFile())
	switch {
	case os.IsNotExist(err):
		zlog.Infof("importer did not find a state file at %s", imp.stateFile())
		imp.end, imp.next = 0, 0
	case err != nil:
		return wrapError(err, ErrIO, "read importer state")
	default:
		n, _ := fmt.Sscan(string(data), &imp.end, &imp.next)
		if n < 1 {
			return newError(ErrParse, "unable to read importer state file %s", imp.stateFile())
		}
		if n < 2 {
			zlog.Warnf("importer did not find next ID position in state file; irregular shutdown detected")
			imp.next = imp.end
		}
	}
	return imp.advanceBlock(0)
}

func (imp *Importer) writeState(mode write_mode) error {
	if err := os.MkdirAll(imp.dir, NewDirPermissions); err != nil {
		return wrapError(err, ErrIO, "create importer directory")
	}
	var content string
	if mode == write_with_next {
		content = fmt.Sprintf("%d %d", imp.end, imp.next)
		zlog.Infof("importer persisted ID block [%d,%d)", imp.next, imp.end)
	} else {
		content = fmt.Sprintf("%d", imp.end)
		zlog.Debugf("importer persisted ID block boundary at %d", imp.end)
	}
	f, err := os.OpenFile(imp.stateFile(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, NewFilePermissions)
	if err != nil {
		return wrapError(err, ErrIO, "write importer state")
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return wrapError(err, ErrIO, "write importer state")
	}
	if err := f.Sync(); err != nil {
		return wrapError(err, ErrIO, "sync importer state")
	}
	return nil
}

// advanceBlock grows the block until `required` more IDs fit, then
// persists the new boundary.
func (imp *Importer) advanceBlock(required uint64) error {
	for imp.next+required >= imp.end {
		imp.end += id_block_size
	}
	return imp.writeState(write_without_next)
}

// nextID hands out the first ID of a contiguous range of length k.
func (imp *Importer) nextID(k uint64) (uint64, error) {
	pre := imp.next
	if pre+k >= imp.end {
		if err := imp.advanceBlock(k); err != nil {
			return 0, err
		}
	}
	imp.next = pre + k
	return pre, nil
}

func (imp *Importer) availableIDs() uint64 {
	return max_id - imp.next
}

// ---- run loop ----

/*
	Run owns the importer state until ctx is cancelled. An ID
	persistence failure is fatal: the importer quits with the error.
*/
func (imp *Importer) Run(ctx context.Context) error {
	ticker := time.NewTicker(telemetry_rate)
	defer ticker.Stop()
	imp.last_report = time.Now()
	imp.running.Store(true)
	defer imp.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			imp.drain()
			imp.sendReport()
			return imp.writeState(write_with_next)

		case cmd := <-imp.ctl:
			if cmd.subscriber != nil {
				imp.subs = append(imp.subs, cmd.subscriber)
			}
			if cmd.status != nil {
				cmd.status <- imp.status(cmd.verbosity)
			}

		case s := <-imp.in:
			offset, err := imp.nextID(uint64(s.Rows()))
			if err != nil {
				zlog.Errorf("importer failed to persist ID block: %v", err)
				return err
			}
			s.SetOffset(offset)
			imp.forward(s)
			imp.events += uint64(s.Rows())
			importer_events_total.Add(float64(s.Rows()))
			importer_slices_total.Inc()

		case <-ticker.C:
			imp.sendReport()
		}
	}
}

// forward pushes one stamped slice to every subscriber. A full
// subscriber channel blocks us, which is exactly the backpressure we
// want to propagate to the readers; we only track it for diagnostics.
func (imp *Importer) forward(s *Slice) {
	congested := false
	for _, sub := range imp.subs {
		select {
		case sub <- s:
		default:
			congested = true
			sub <- s
		}
	}
	if congested {
		if imp.congested_batches == congestion_reporting_threshold {
			zlog.Debugf("importer is currently congested downstream")
		}
		imp.congested_batches++
	} else {
		if imp.congested_batches > congestion_reporting_threshold {
			zlog.Debugf("importer resolved congestion of %d slices", imp.congested_batches)
		}
		imp.congested_batches = 0
	}
}

// drain stamps and forwards whatever is still queued at shutdown.
func (imp *Importer) drain() {
	for {
		select {
		case s := <-imp.in:
			offset, err := imp.nextID(uint64(s.Rows()))
			if err != nil {
				zlog.Errorf("importer failed to persist ID block: %v", err)
				return
			}
			s.SetOffset(offset)
			imp.forward(s)
			imp.events += uint64(s.Rows())
		default:
			return
		}
	}
}

func (imp *Importer) sendReport() {
	now := time.Now()
	if imp.events > 0 {
		elapsed := now.Sub(imp.last_report)
		if rate := float64(imp.events) / elapsed.Seconds(); rate > 0 {
			zlog.Infof("importer handled %d events at a rate of %d events/sec in %v",
				imp.events, uint64(rate), elapsed.Round(time.Millisecond))
		}
		imp.events = 0
	}
	imp.last_report = now
}

// Status asks the running importer for its counters.
func (imp *Importer) Status(v StatusVerbosity) map[string]string {
	reply := make(chan map[string]string, 1)
	imp.ctl <- importer_cmd{status: reply, verbosity: v}
	return <-reply
}

// Counters are rendered as strings: the status RPC only carries signed
// 64-bit integers and we must not truncate.
func (imp *Importer) status(v StatusVerbosity) map[string]string {
	out := make(map[string]string)
	if v >= StatusDetailed {
		out["ids.available"] = fmt.Sprintf("%d", imp.availableIDs())
		out["ids.block.next"] = fmt.Sprintf("%d", imp.next)
		out["ids.block.end"] = fmt.Sprintf("%d", imp.end)
	}
	return out
}

// EOF
