// Copyright 2025 RiverFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cachemgr composes the block store, inode store and
// coordination store into the block-cache engine: range resolution,
// write staging, eviction, per-inode exclusion and invalidation.
package cachemgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"riverfs/internal/blockstore"
	"riverfs/internal/common"
	"riverfs/internal/coord"
	"riverfs/internal/inodestore"
)

// InvalidateChannel carries remote-side mutation announcements.
const InvalidateChannel = "riverfs.invalidate"

// EventsChannel carries structured mount events (degraded mode, fatal).
const EventsChannel = "riverfs.events"

// BlockRange is a half-open range [Start, End) of block indices.
type BlockRange struct {
	Start int64
	End   int64
}

// Puller hydrates cache blocks (or a directory's entries) from the
// remote backend. Satisfied by the sync engine.
type Puller interface {
	PullDownstream(ctx context.Context, ino int64, blocks BlockRange) error
}

// Pusher uploads an inode's dirty state. Satisfied by the sync engine.
type Pusher interface {
	PushUpstream(ctx context.Context, ino int64) error
}

// Config carries the cache tunables.
type Config struct {
	BlockSize          int64
	CacheBytesMax      int64
	BlockTTL           time.Duration
	DirtyFlushInterval time.Duration
}

type blockKey struct {
	ino int64
	idx int64
}

// Manager is the process-wide cache state. The mount driver constructs
// and injects it; there are no ambient singletons.
type Manager struct {
	cfg    Config
	blocks *blockstore.Store
	inodes *inodestore.Store
	coord  *coord.Store

	puller Puller
	pusher Pusher

	// Per-inode exclusion. Cross-host exclusion is not required: a
	// single host owns a mount at a time.
	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex

	// Approximate LRU over cached blocks; eviction picks clean victims
	// in recency order.
	recency *lru.Cache[blockKey, int64]

	// Blocks invalidated by remote-side mutation events. Keyed by inode;
	// cleared when a pull rehydrates the inode.
	staleMu    sync.Mutex
	staleInos  map[int64]struct{}
	onDirty    func(ino int64)
	dirRefresh func(ino int64)

	readOnly atomic.Bool
}

// New builds a cache manager. SetSync must be called before any
// operation that can miss or flush.
func New(cfg Config, blocks *blockstore.Store, inodes *inodestore.Store, cs *coord.Store) (*Manager, error) {
	entries := int(cfg.CacheBytesMax/cfg.BlockSize) + 1024
	rec, err := lru.New[blockKey, int64](entries)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:       cfg,
		blocks:    blocks,
		inodes:    inodes,
		coord:     cs,
		locks:     make(map[int64]*sync.Mutex),
		recency:   rec,
		staleInos: make(map[int64]struct{}),
	}, nil
}

// SetSync injects the sync engine after construction (the engine itself
// needs the manager, so wiring is two-phase).
func (m *Manager) SetSync(puller Puller, pusher Pusher) {
	m.puller = puller
	m.pusher = pusher
}

// OnDirty registers a callback fired when an inode first goes dirty.
// The sync engine uses it to advance its per-inode state machine.
func (m *Manager) OnDirty(fn func(ino int64)) { m.onDirty = fn }

// OnDirInvalidate registers the callback that schedules a directory
// re-listing after a remote-side mutation event.
func (m *Manager) OnDirInvalidate(fn func(ino int64)) { m.dirRefresh = fn }

// Inodes exposes the inode store to operations that resolve paths.
func (m *Manager) Inodes() *inodestore.Store { return m.inodes }

// Blocks exposes the block store to the sync engine.
func (m *Manager) Blocks() *blockstore.Store { return m.blocks }

// Coord exposes the coordination store.
func (m *Manager) Coord() *coord.Store { return m.coord }

// BlockSize returns the mount's block size.
func (m *Manager) BlockSize() int64 { return m.cfg.BlockSize }

// ReadOnly reports whether the mount is in degraded read-only mode.
func (m *Manager) ReadOnly() bool { return m.readOnly.Load() }

// Degrade flips the mount read-only and publishes a structured event.
// Its only caller is fsync, after a push fails against an unreachable
// backend.
func (m *Manager) Degrade(ctx context.Context, reason string) {
	if m.readOnly.Swap(true) {
		return
	}
	log.WithField("reason", reason).Error("mount degraded to read-only")
	if err := m.coord.Publish(ctx, EventsChannel, map[string]string{
		"event":  "degraded",
		"reason": reason,
	}); err != nil {
		log.Warnf("publishing degraded event: %v", err)
	}
}

func (m *Manager) inodeLock(ino int64) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	mu, ok := m.locks[ino]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[ino] = mu
	}
	return mu
}

// WithInodeLock runs fn holding the inode's local mutex. Every
// read-modify-write of inode metadata goes through here.
func (m *Manager) WithInodeLock(ino int64, fn func() error) error {
	mu := m.inodeLock(ino)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (m *Manager) blockCount(size int64) int64 {
	return (size + m.cfg.BlockSize - 1) / m.cfg.BlockSize
}

func (m *Manager) touch(ino, idx int64, length int64) {
	m.recency.Add(blockKey{ino, idx}, length)
}

func (m *Manager) isStale(ino int64) bool {
	m.staleMu.Lock()
	defer m.staleMu.Unlock()
	_, ok := m.staleInos[ino]
	return ok
}

// MarkFresh clears the invalidation mark after a pull rehydrates the
// inode. Called by the sync engine.
func (m *Manager) MarkFresh(ino int64) {
	m.staleMu.Lock()
	defer m.staleMu.Unlock()
	delete(m.staleInos, ino)
}

// fresh reports whether a present block may be served without a pull.
func (m *Manager) fresh(ino int64, sc *blockstore.Sidecar) bool {
	if sc.Dirty {
		// Dirty blocks are always authoritative locally.
		return true
	}
	if m.isStale(ino) {
		return false
	}
	if m.cfg.BlockTTL <= 0 {
		return true
	}
	return time.Since(time.Unix(sc.LastAccessTS, 0)) < m.cfg.BlockTTL
}

// missingRanges walks [start, end) and collects maximal runs of blocks
// that need a pull.
func (m *Manager) missingRanges(ino int64, start, end int64) []BlockRange {
	var out []BlockRange
	var cur *BlockRange
	for idx := start; idx < end; idx++ {
		_, sc, err := m.blocks.ReadBlock(ino, idx)
		need := false
		switch {
		case errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrCorrupt):
			need = true
		case err != nil:
			need = true
		default:
			need = !m.fresh(ino, sc)
		}
		if need {
			if cur == nil {
				cur = &BlockRange{Start: idx, End: idx + 1}
			} else {
				cur.End = idx + 1
			}
		} else if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// ReadRange returns exactly the overlap of [offset, offset+length) with
// the file, pulling missing blocks through the sync engine. Blocks never
// fetched and never written read as zeroes (sparse holes).
func (m *Manager) ReadRange(ctx context.Context, ino int64, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, common.ErrInvalidArg
	}

	var result []byte
	err := m.WithInodeLock(ino, func() error {
		inode, err := m.inodes.Get(ctx, ino)
		if err != nil {
			return err
		}
		if inode.IsDir() {
			return common.ErrIsDir
		}

		// Clamp to inode.size: partial data only at EOF.
		if offset >= inode.Size {
			result = nil
			return nil
		}
		if offset+length > inode.Size {
			length = inode.Size - offset
		}

		startBlk := offset / m.cfg.BlockSize
		endBlk := m.blockCount(offset + length)

		// A file that has never been pushed has nothing to fetch;
		// absent blocks are sparse holes.
		var misses []BlockRange
		if inode.RemoteRef != "" {
			misses = m.missingRanges(ino, startBlk, endBlk)
		}
		if len(misses) > 0 {
			var need int64
			for _, r := range misses {
				need += (r.End - r.Start) * m.cfg.BlockSize
			}
			if err := m.EnsureCapacity(ctx, need, ino); err != nil {
				return err
			}
		}
		for _, r := range misses {
			if err := m.pull(ctx, ino, r); err != nil {
				return err
			}
		}

		result = make([]byte, length)
		for idx := startBlk; idx < endBlk; idx++ {
			blockOff := idx * m.cfg.BlockSize
			data, sc, err := m.blocks.ReadBlock(ino, idx)
			if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrCorrupt) {
				continue // hole: zeroes
			}
			if err != nil {
				return err
			}
			lo := max64(offset, blockOff)
			hi := min64(offset+length, blockOff+int64(len(data)))
			if hi > lo {
				copy(result[lo-offset:hi-offset], data[lo-blockOff:hi-blockOff])
			}
			m.blocks.Touch(ino, idx)
			m.touch(ino, idx, sc.Length)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// pull delegates a miss to the sync engine, mapping a failed pull after
// retries to the caller.
func (m *Manager) pull(ctx context.Context, ino int64, r BlockRange) error {
	if m.puller == nil {
		return fmt.Errorf("%w: no sync engine wired", common.ErrFatal)
	}
	return m.puller.PullDownstream(ctx, ino, r)
}

// WriteRange stages data at offset, marking touched blocks dirty and
// bumping the inode's size/mtime/ctime/version under the per-inode
// mutex. Returns the byte count written (always len(data) on success).
func (m *Manager) WriteRange(ctx context.Context, ino int64, offset int64, data []byte) (int, error) {
	if m.ReadOnly() {
		return 0, common.ErrReadOnly
	}
	if offset < 0 {
		return 0, common.ErrInvalidArg
	}
	if len(data) == 0 {
		return 0, nil
	}

	err := m.WithInodeLock(ino, func() error {
		inode, err := m.inodes.Get(ctx, ino)
		if err != nil {
			return err
		}
		return m.stageLocked(ctx, inode, offset, data)
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Append stages data at EOF, atomically against concurrent writers on
// the same inode (the offset is resolved under the per-inode mutex).
// Returns the offset the data landed at.
func (m *Manager) Append(ctx context.Context, ino int64, data []byte) (int64, error) {
	if m.ReadOnly() {
		return 0, common.ErrReadOnly
	}
	var offset int64
	err := m.WithInodeLock(ino, func() error {
		inode, err := m.inodes.Get(ctx, ino)
		if err != nil {
			return err
		}
		offset = inode.Size
		return m.stageLocked(ctx, inode, offset, data)
	})
	if err != nil {
		return 0, err
	}
	return offset, nil
}

// stageLocked applies a write with the inode mutex held.
func (m *Manager) stageLocked(ctx context.Context, inode *inodestore.Inode, offset int64, data []byte) error {
	if inode.IsDir() {
		return common.ErrIsDir
	}
	ino := inode.Ino

	if err := m.EnsureCapacity(ctx, int64(len(data)), ino); err != nil {
		return err
	}

	// Boundary blocks that exist remotely but are not yet present must
	// be hydrated first, or the unwritten part of the block would be
	// lost.
	if err := m.hydrateWriteBoundaries(ctx, inode, offset, int64(len(data))); err != nil {
		return err
	}
	// A completed hydration pull bumps the inode version; stage against
	// the row as it is now.
	current, err := m.inodes.Get(ctx, ino)
	if err != nil {
		return err
	}
	*inode = *current

	stagedVersion := inode.Version + 1
	end := offset + int64(len(data))
	pos := offset
	for pos < end {
		idx := pos / m.cfg.BlockSize
		blockOff := pos - idx*m.cfg.BlockSize
		n := min64(m.cfg.BlockSize-blockOff, end-pos)
		chunk := data[pos-offset : pos-offset+n]
		if err := m.blocks.WriteBlock(ino, idx, blockOff, chunk, stagedVersion, true); err != nil {
			return err
		}
		m.touch(ino, idx, blockOff+n)
		pos += n
	}

	now := time.Now()
	if end > inode.Size {
		inode.Size = end
	}
	inode.Mtime = now
	inode.Ctime = now
	wasClean := !inode.IsDirty()
	inode.DirtyMask |= inodestore.DirtyData
	inode.Version = stagedVersion
	if err := m.inodes.Update(ctx, inode, stagedVersion-1); err != nil {
		return err
	}
	if wasClean && m.onDirty != nil {
		m.onDirty(ino)
	}
	return nil
}

// hydrateWriteBoundaries pulls the first and last blocks of a write when
// the write covers them only partially and their content exists
// remotely.
func (m *Manager) hydrateWriteBoundaries(ctx context.Context, inode *inodestore.Inode, offset, length int64) error {
	if inode.RemoteRef == "" {
		return nil
	}
	remoteBlocks := m.blockCount(inode.Size)

	check := func(idx, lo, hi int64) error {
		if idx >= remoteBlocks {
			return nil
		}
		if lo == 0 && hi >= m.cfg.BlockSize {
			return nil // fully covered, no hydration needed
		}
		_, _, err := m.blocks.ReadBlock(inode.Ino, idx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, common.ErrNotFound) && !errors.Is(err, common.ErrCorrupt) {
			return err
		}
		return m.pull(ctx, inode.Ino, BlockRange{Start: idx, End: idx + 1})
	}

	firstIdx := offset / m.cfg.BlockSize
	firstLo := offset - firstIdx*m.cfg.BlockSize
	firstHi := min64(firstLo+length, m.cfg.BlockSize)
	if err := check(firstIdx, firstLo, firstHi); err != nil {
		return err
	}

	lastIdx := (offset + length - 1) / m.cfg.BlockSize
	if lastIdx != firstIdx {
		lastHi := offset + length - lastIdx*m.cfg.BlockSize
		if err := check(lastIdx, 0, lastHi); err != nil {
			return err
		}
	}
	return nil
}

// Truncate drops blocks beyond the new end, shortens the final block and
// marks the inode data-dirty.
func (m *Manager) Truncate(ctx context.Context, ino int64, newSize int64) error {
	if m.ReadOnly() {
		return common.ErrReadOnly
	}
	if newSize < 0 {
		return common.ErrInvalidArg
	}
	return m.WithInodeLock(ino, func() error {
		inode, err := m.inodes.Get(ctx, ino)
		if err != nil {
			return err
		}
		if inode.IsDir() {
			return common.ErrIsDir
		}
		if newSize == inode.Size {
			return nil
		}

		if newSize < inode.Size {
			keep := m.blockCount(newSize)
			lastLen := newSize - (keep-1)*m.cfg.BlockSize
			if newSize == 0 {
				keep, lastLen = 0, 0
			}
			if err := m.blocks.Truncate(ino, keep, lastLen); err != nil {
				return err
			}
		}

		now := time.Now()
		inode.Size = newSize
		inode.Mtime = now
		inode.Ctime = now
		wasClean := !inode.IsDirty()
		inode.DirtyMask |= inodestore.DirtyData
		inode.Version++
		if err := m.inodes.Update(ctx, inode, inode.Version-1); err != nil {
			return err
		}
		if wasClean && m.onDirty != nil {
			m.onDirty(ino)
		}
		return nil
	})
}

// DirtyBlock records one dirty block and the inode version it was
// staged under, the fencing key MarkClean demands.
type DirtyBlock struct {
	Index   int64
	Version int64
}

// DirtySnapshot is the state a push uploads: the version it was taken at
// and the dirty block set.
type DirtySnapshot struct {
	Version   int64
	Dirty     []DirtyBlock
	Size      int64
	RemoteRef string
	Mtime     time.Time
}

// SnapshotDirty captures an inode's version and dirty block set under
// the local per-inode mutex, for the push path.
func (m *Manager) SnapshotDirty(ctx context.Context, ino int64) (*DirtySnapshot, error) {
	var snap *DirtySnapshot
	err := m.WithInodeLock(ino, func() error {
		inode, err := m.inodes.Get(ctx, ino)
		if err != nil {
			return err
		}
		infos, err := m.blocks.Iterate(ino)
		if err != nil {
			return err
		}
		snap = &DirtySnapshot{
			Version:   inode.Version,
			Size:      inode.Size,
			RemoteRef: inode.RemoteRef,
			Mtime:     inode.Mtime,
		}
		for _, b := range infos {
			if b.Dirty {
				snap.Dirty = append(snap.Dirty, DirtyBlock{Index: b.Index, Version: b.Version})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// MaterializeFile ensures every block of the file is locally present and
// returns the full content. The push path uses it to build the upload
// body.
func (m *Manager) MaterializeFile(ctx context.Context, ino int64) ([]byte, error) {
	inode, err := m.inodes.Get(ctx, ino)
	if err != nil {
		return nil, err
	}
	if inode.Size == 0 {
		return []byte{}, nil
	}

	endBlk := m.blockCount(inode.Size)
	var misses []BlockRange
	if inode.RemoteRef != "" {
		misses = m.missingRanges(ino, 0, endBlk)
	}
	if len(misses) > 0 {
		var need int64
		for _, r := range misses {
			need += (r.End - r.Start) * m.cfg.BlockSize
		}
		if err := m.EnsureCapacity(ctx, need, ino); err != nil {
			return nil, err
		}
	}
	for _, r := range misses {
		// Dirty blocks are never in a missing range; only clean gaps
		// are fetched.
		if err := m.pull(ctx, ino, r); err != nil {
			return nil, err
		}
	}

	out := make([]byte, inode.Size)
	for idx := int64(0); idx < endBlk; idx++ {
		data, _, err := m.blocks.ReadBlock(ino, idx)
		if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrCorrupt) {
			continue // hole reads as zeroes
		}
		if err != nil {
			return nil, err
		}
		off := idx * m.cfg.BlockSize
		copy(out[off:min64(off+int64(len(data)), inode.Size)], data)
	}
	return out, nil
}

// DropInode destroys every cached block of an inode, dirty or not.
// Valid only during inode destruction.
func (m *Manager) DropInode(ino int64) error {
	infos, _ := m.blocks.Iterate(ino)
	for _, b := range infos {
		m.recency.Remove(blockKey{ino, b.Index})
	}
	return m.blocks.RemoveAll(ino)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
