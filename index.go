// OpenSOC/Spyglass - index (partition lifecycle and query dispatch)
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
	The index streams slices into a single active partition, seals and
	flushes it when full, keeps passive partitions in a bounded LRU, and
	dispatches queries: prune through the meta-index, then evaluate one
	partition per evaluator on a bounded worker pool.

	One goroutine (Run) owns all of this state. Evaluators and persist
	tasks run on their own goroutines but only touch sealed, read-only
	partitions; they report back over channels.
*/

package spyglass

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

func u64str(v uint64) string { return strconv.FormatUint(v, 10) }

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// IndexConfig carries the tunables the config layer resolves.
type IndexConfig struct {
	PartitionCapacity       uint64
	MaxInmemPartitions      int
	TastePartitions         int
	NumWorkers              int
	DelayFlushUntilShutdown bool
}

func (c *IndexConfig) withDefaults() IndexConfig {
	out := *c
	if out.PartitionCapacity == 0 {
		out.PartitionCapacity = 1024 * 1024
	}
	if out.MaxInmemPartitions <= 0 {
		out.MaxInmemPartitions = 10
	}
	if out.TastePartitions <= 0 {
		out.TastePartitions = 5
	}
	if out.NumWorkers <= 0 {
		out.NumWorkers = 4
	}
	return out
}

// FlushEvent notifies listeners that a partition reached disk.
type FlushEvent struct {
	Partition uuid.UUID
}

// QueryResult is one partition's worth of matches, in absolute IDs.
type QueryResult struct {
	Partition uuid.UUID
	IDs       *roaring64.Bitmap
}

// QueryHandle is the client side of a running query. Results arrives
// batch-wise; the channel closes when every scheduled partition has
// been evaluated and no candidates remain.
type QueryHandle struct {
	ID         uuid.UUID
	Candidates int
	Results    <-chan QueryResult

	idx *Index
}

// More schedules k more candidate partitions.
func (q *QueryHandle) More(k int) {
	q.idx.ctl <- index_cmd{more: &more_cmd{query: q.ID, k: k}}
}

// Cancel drops the query; in-flight evaluators finish but their
// results are discarded.
func (q *QueryHandle) Cancel() {
	q.idx.ctl <- index_cmd{cancel: q.ID}
}

type pending_query struct {
	expr      Expr
	remaining []uuid.UUID // candidate partitions not yet scheduled
	results   chan QueryResult
	inflight  int
	cancelled atomic.Bool
}

type query_cmd struct {
	expr  Expr
	reply chan *QueryHandle
}

type more_cmd struct {
	query uuid.UUID
	k     int
}

type index_cmd struct {
	query      *query_cmd
	more       *more_cmd
	cancel     uuid.UUID
	flush_sub  chan<- FlushEvent
	status     chan map[string]string
	flush_now  chan error
}

type persist_result struct {
	id  uuid.UUID
	err error
}

type Index struct {
	dir string
	cfg IndexConfig

	active      *Partition
	unpersisted map[uuid.UUID]*Partition
	passive     *lru.Cache[uuid.UUID, *Partition]
	persisted   map[uuid.UUID]struct{}
	meta        *MetaIndex

	pending map[uuid.UUID]*pending_query

	idle_workers chan struct{} // one token per idle worker

	in           chan *Slice
	ctl          chan index_cmd
	persist_done chan persist_result
	eval_done    chan uuid.UUID

	flush_listeners []chan<- FlushEvent

	running atomic.Bool
}

// NewIndex opens (or creates) the index directory and rebuilds the
// meta-index: from index.bin when present, else by scanning the
// partition descriptors.
func NewIndex(dir string, cfg IndexConfig) (*Index, error) {
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(dir, NewDirPermissions); err != nil {
		return nil, wrapError(err, ErrIO, "create index directory '%s'", dir)
	}

	passive, err := lru.New[uuid.UUID, *Partition](cfg.MaxInmemPartitions)
	if err != nil {
		return nil, wrapError(err, ErrUnspecified, "create partition cache")
	}

	idx := &Index{
		dir:          dir,
		cfg:          cfg,
		unpersisted:  make(map[uuid.UUID]*Partition),
		passive:      passive,
		persisted:    make(map[uuid.UUID]struct{}),
		meta:         NewMetaIndex(),
		pending:      make(map[uuid.UUID]*pending_query),
		idle_workers: make(chan struct{}, cfg.NumWorkers),
		in:           make(chan *Slice, 16),
		ctl:          make(chan index_cmd),
		persist_done: make(chan persist_result, 4),
		eval_done:    make(chan uuid.UUID, 16),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		idx.idle_workers <- struct{}{}
	}

	if err := idx.loadState(); err != nil {
		return nil, err
	}
	return idx, nil
}

// In is the inbound slice stream from the importer.
func (idx *Index) In() chan<- *Slice { return idx.in }

// SubscribeFlush registers a listener for partition flush completions.
func (idx *Index) SubscribeFlush(listener chan<- FlushEvent) {
	if idx.running.Load() {
		idx.ctl <- index_cmd{flush_sub: listener}
		return
	}
	idx.flush_listeners = append(idx.flush_listeners, listener)
}

// ---- startup ----

func (idx *Index) indexFile() string {
	return filepath.Join(idx.dir, "index.bin")
}

func (idx *Index) loadState() error {
	f, err := os.Open(idx.indexFile())
	if os.IsNotExist(err) {
		return idx.rescanPartitions()
	}
	if err != nil {
		return wrapError(err, ErrIO, "open index descriptor")
	}
	defer f.Close()

	if err := readFileHeader(f); err != nil {
		return err
	}
	sid, content, err := readSection(f)
	if err != nil {
		return err
	}
	if sid != section_index {
		return newError(ErrCorruption, "expected index section, got %d", sid)
	}

	reader := bytes.NewReader(content)
	n := int(getUintFromData(reader, 4))
	for i := 0; i < n; i++ {
		idbytes := make([]byte, 16)
		if _, err := reader.Read(idbytes); err != nil {
			return newError(ErrCorruption, "index descriptor truncated")
		}
		id, err := uuid.FromBytes(idbytes)
		if err != nil {
			return newError(ErrCorruption, "index descriptor holds invalid UUID")
		}
		idx.persisted[id] = struct{}{}
	}
	if err := idx.meta.unmarshal(reader); err != nil {
		return err
	}

	zlog.Infof("index loaded %d persisted partitions", len(idx.persisted))
	return nil
}

// rescanPartitions rebuilds persistence state from the partition
// descriptors alone (first start, or index.bin lost).
func (idx *Index) rescanPartitions() error {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		return wrapError(err, ErrIO, "scan index directory")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		d, err := readPartitionDescriptor(idx.dir, id)
		if err != nil {
			zlog.Warnf("index skips unreadable partition %s: %v", id, err)
			continue
		}
		idx.persisted[id] = struct{}{}
		idx.meta.addDescriptor(d)
	}
	if len(idx.persisted) > 0 {
		zlog.Infof("index recovered %d partitions from disk", len(idx.persisted))
	}
	return nil
}

// ---- run loop ----

func (idx *Index) Run(ctx context.Context) error {
	idx.running.Store(true)
	defer idx.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return idx.shutdown()

		case s := <-idx.in:
			idx.addSlice(s)

		case res := <-idx.persist_done:
			idx.finishPersist(res)

		case qid := <-idx.eval_done:
			if pq := idx.pending[qid]; pq != nil {
				pq.inflight--
				idx.maybeFinishQuery(qid, pq)
			}

		case cmd := <-idx.ctl:
			idx.handleCmd(cmd)
		}
	}
}

func (idx *Index) handleCmd(cmd index_cmd) {
	switch {
	case cmd.query != nil:
		cmd.query.reply <- idx.startQuery(cmd.query.expr)
	case cmd.more != nil:
		if pq := idx.pending[cmd.more.query]; pq != nil {
			idx.schedule(cmd.more.query, pq, cmd.more.k)
			idx.maybeFinishQuery(cmd.more.query, pq)
		}
	case cmd.cancel != uuid.Nil:
		if pq := idx.pending[cmd.cancel]; pq != nil {
			pq.cancelled.Store(true)
			pq.remaining = nil
			idx.maybeFinishQuery(cmd.cancel, pq)
		}
	case cmd.flush_sub != nil:
		idx.flush_listeners = append(idx.flush_listeners, cmd.flush_sub)
	case cmd.status != nil:
		cmd.status <- idx.status()
	case cmd.flush_now != nil:
		cmd.flush_now <- idx.flushToDisk()
	}
}

func (idx *Index) shutdown() error {
	// Take in whatever the importer already stamped.
	for {
		select {
		case s := <-idx.in:
			idx.addSlice(s)
			continue
		default:
		}
		break
	}
	if idx.active != nil && idx.active.Rows() > 0 {
		idx.sealActive()
	}
	// Drain outstanding persist tasks synchronously.
	for len(idx.unpersisted) > 0 {
		idx.finishPersist(<-idx.persist_done)
	}
	return idx.flushToDisk()
}

// ---- ingest ----

func (idx *Index) addSlice(s *Slice) {
	if uint64(s.Rows()) > idx.cfg.PartitionCapacity {
		zlog.Errorf("index drops slice of %d rows, exceeds partition capacity %d",
			s.Rows(), idx.cfg.PartitionCapacity)
		return
	}
	if idx.active != nil && uint64(s.Rows()) > idx.active.Remaining() {
		idx.sealActive()
	}
	if idx.active == nil {
		idx.active = NewActivePartition(idx.dir, idx.cfg.PartitionCapacity)
		zlog.Debugf("index created active partition %s", idx.active.ID())
	}

	if err := idx.active.Add(s); err != nil {
		zlog.Errorf("index failed to add slice: %v", err)
		return
	}
	idx.meta.AddPartition(idx.active)

	if idx.active.Full() {
		idx.sealActive()
	}
}

// sealActive transitions the active partition to unpersisted and
// spawns its persist task.
func (idx *Index) sealActive() {
	p := idx.active
	idx.active = nil
	if p == nil {
		return
	}
	p.Seal()
	idx.unpersisted[p.ID()] = p
	go func() {
		idx.persist_done <- persist_result{id: p.ID(), err: p.Persist()}
	}()
}

// finishPersist handles a completed flush. Failures keep the partition
// unpersisted and queryable; ingest continues regardless.
func (idx *Index) finishPersist(res persist_result) {
	p := idx.unpersisted[res.id]
	if p == nil {
		return
	}
	if res.err != nil {
		zlog.Errorf("index failed to persist partition %s: %v", res.id, res.err)
		return
	}
	p.markPassive()
	delete(idx.unpersisted, res.id)
	idx.persisted[res.id] = struct{}{}
	idx.passive.Add(res.id, p)

	for _, l := range idx.flush_listeners {
		select {
		case l <- FlushEvent{Partition: res.id}:
		default: // a deaf listener must not stall the index
		}
	}

	if !idx.cfg.DelayFlushUntilShutdown {
		if err := idx.flushToDisk(); err != nil {
			zlog.Errorf("index failed to flush descriptor: %v", err)
		}
	}
	zlog.Debugf("index persisted partition %s (%d rows)", res.id, p.Rows())
}

// flushToDisk writes the index-level descriptor: persisted UUIDs plus
// the meta-index blob.
func (idx *Index) flushToDisk() error {
	var content []byte
	ids := make([]uuid.UUID, 0, len(idx.persisted))
	for id := range idx.persisted {
		ids = append(ids, id)
	}
	sortUUIDs(ids)
	addMultibyteToData(&content, uint64(len(ids)), 4)
	for _, id := range ids {
		idbytes, _ := id.MarshalBinary()
		content = append(content, idbytes...)
	}
	idx.meta.marshal(&content)

	f, err := os.OpenFile(idx.indexFile(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, NewFilePermissions)
	if err != nil {
		return wrapError(err, ErrIO, "create index descriptor")
	}
	defer f.Close()
	if err := writeFileHeader(f); err != nil {
		return err
	}
	if err := writeSection(f, section_index, content); err != nil {
		return err
	}
	if err := writeFileTrailer(f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return wrapError(err, ErrIO, "sync index descriptor")
	}
	return nil
}

// ---- queries ----

// Query submits an expression and returns a handle carrying the first
// batch of up to taste-partitions results.
func (idx *Index) Query(expr Expr) *QueryHandle {
	reply := make(chan *QueryHandle, 1)
	idx.ctl <- index_cmd{query: &query_cmd{expr: expr, reply: reply}}
	return <-reply
}

func (idx *Index) startQuery(expr Expr) *QueryHandle {
	norm := Normalize(expr)
	candidates := idx.meta.Lookup(norm)

	qid := uuid.New()
	pq := &pending_query{
		expr:      norm,
		remaining: candidates,
		results:   make(chan QueryResult, len(candidates)),
	}
	idx.pending[qid] = pq
	idx.schedule(qid, pq, idx.cfg.TastePartitions)
	idx.maybeFinishQuery(qid, pq)

	return &QueryHandle{
		ID:         qid,
		Candidates: len(candidates),
		Results:    pq.results,
		idx:        idx,
	}
}

// acquirePartition resolves a UUID to a live partition handle:
// active, unpersisted, cached passive, or factory-loaded from disk.
func (idx *Index) acquirePartition(id uuid.UUID) *Partition {
	if idx.active != nil && idx.active.ID() == id {
		return idx.active
	}
	if p := idx.unpersisted[id]; p != nil {
		return p
	}
	if p, ok := idx.passive.Get(id); ok {
		return p
	}
	if _, ok := idx.persisted[id]; !ok {
		return nil
	}
	p, err := LoadPartition(idx.dir, id)
	if err != nil {
		// A corrupt partition drops out of the candidate set; the
		// query continues with the rest.
		zlog.Errorf("index failed to load partition %s: %v", id, err)
		return nil
	}
	idx.passive.Add(id, p)
	return p
}

// schedule picks up to k candidates and spawns one evaluator per
// partition. Evaluators borrow a worker token; excess evaluators wait.
func (idx *Index) schedule(qid uuid.UUID, pq *pending_query, k int) {
	for k > 0 && len(pq.remaining) > 0 {
		id := pq.remaining[0]
		pq.remaining = pq.remaining[1:]
		k--

		p := idx.acquirePartition(id)
		if p == nil {
			continue
		}

		pq.inflight++
		// The active partition still grows on this goroutine, so it is
		// evaluated here; evaluators only see sealed partitions.
		var pre *Bitmap
		if p == idx.active {
			pre = p.evalExpr(pq.expr)
		}
		go func(p *Partition, pre *Bitmap) {
			<-idx.idle_workers
			defer func() {
				idx.idle_workers <- struct{}{}
				idx.eval_done <- qid
			}()
			if pq.cancelled.Load() {
				return
			}
			bm := pre
			if bm == nil {
				bm = p.evalExpr(pq.expr)
			}
			ids := roaring64.New()
			min := p.MinID()
			bm.EachSet(func(pos uint64) bool {
				ids.Add(min + pos)
				return true
			})
			if !pq.cancelled.Load() {
				pq.results <- QueryResult{Partition: p.ID(), IDs: ids}
			}
		}(p, pre)
	}
}

// maybeFinishQuery closes out a query with nothing scheduled and
// nothing left to schedule.
func (idx *Index) maybeFinishQuery(qid uuid.UUID, pq *pending_query) {
	if pq.inflight == 0 && len(pq.remaining) == 0 {
		close(pq.results)
		delete(idx.pending, qid)
	}
}

// ---- status ----

// Status reports nested counters; values are strings to survive the
// signed 64-bit status RPC.
func (idx *Index) Status() map[string]string {
	reply := make(chan map[string]string, 1)
	idx.ctl <- index_cmd{status: reply}
	return <-reply
}

func (idx *Index) status() map[string]string {
	out := make(map[string]string)
	if idx.active != nil {
		out["active.rows"] = u64str(idx.active.Rows())
		out["active.capacity"] = u64str(idx.active.Capacity())
	}
	out["unpersisted"] = u64str(uint64(len(idx.unpersisted)))
	out["cache.size"] = u64str(uint64(idx.passive.Len()))
	out["cache.capacity"] = u64str(uint64(idx.cfg.MaxInmemPartitions))
	out["partitions.persisted"] = u64str(uint64(len(idx.persisted)))
	out["queries.pending"] = u64str(uint64(len(idx.pending)))
	out["workers.idle"] = u64str(uint64(len(idx.idle_workers)))
	out["workers.total"] = u64str(uint64(idx.cfg.NumWorkers))
	return out
}

// FlushNow forces the index-level descriptor to disk.
func (idx *Index) FlushNow() error {
	reply := make(chan error, 1)
	idx.ctl <- index_cmd{flush_now: reply}
	return <-reply
}

// EOF
