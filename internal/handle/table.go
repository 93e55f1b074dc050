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

// Package handle tracks open file and directory handles.
package handle

import (
	"os"
	"sort"
	"sync"
	"time"

	"riverfs/internal/common"
	"riverfs/internal/inodestore"
)

// ID is the type for open handles.
type ID uint64

// Handle is one open file or directory.
type Handle struct {
	ID       ID
	Ino      int64
	Flags    int // O_RDONLY / O_WRONLY / O_RDWR / O_APPEND
	Position int64
	OpenedAt time.Time
	IsDir    bool

	// Directory enumeration state: a snapshot taken at open (or the
	// last rewind) and a cursor equal to the lexicographic key of the
	// last returned entry. Entries added during enumeration need not
	// appear; removed entries need not disappear.
	snapshot []inodestore.DirEntry
	cursor   string
}

// CanRead reports whether the open flags permit reading.
func (h *Handle) CanRead() bool {
	return h.Flags&os.O_WRONLY == 0
}

// CanWrite reports whether the open flags permit writing.
func (h *Handle) CanWrite() bool {
	return h.Flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// Append reports whether writes must land at EOF.
func (h *Handle) Append() bool {
	return h.Flags&os.O_APPEND != 0
}

// Table assigns monotonic handle ids and tracks per-inode open counts.
type Table struct {
	mu      sync.RWMutex
	handles map[ID]*Handle
	byIno   map[int64]int
	nextID  ID

	// onLastClose fires when the final handle of an inode closes.
	// Unlink finalization for orphaned inodes hangs off it.
	onLastClose func(ino int64)
}

// NewTable creates an empty handle table.
func NewTable() *Table {
	return &Table{
		handles: make(map[ID]*Handle),
		byIno:   make(map[int64]int),
		nextID:  1,
	}
}

// OnLastClose registers the callback fired when an inode's open count
// drops to zero.
func (t *Table) OnLastClose(fn func(ino int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLastClose = fn
}

// Open validates flags against the inode and creates a handle.
func (t *Table) Open(inode *inodestore.Inode, flags int) (*Handle, error) {
	if inode.IsDir() && flags&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, common.ErrIsDir
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	h := &Handle{
		ID:       t.nextID,
		Ino:      inode.Ino,
		Flags:    flags,
		OpenedAt: time.Now(),
		IsDir:    inode.IsDir(),
	}
	t.nextID++
	t.handles[h.ID] = h
	t.byIno[inode.Ino]++
	return h, nil
}

// OpenDir creates a directory handle over a snapshot of entries.
func (t *Table) OpenDir(inode *inodestore.Inode, entries []inodestore.DirEntry) (*Handle, error) {
	if !inode.IsDir() {
		return nil, common.ErrNotDir
	}
	h, err := t.Open(inode, os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h.snapshot = sortedCopy(entries)
	return h, nil
}

// Get returns a handle by id.
func (t *Table) Get(id ID) (*Handle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[id]
	if !ok {
		return nil, common.ErrInvalidHandle
	}
	return h, nil
}

// Release frees a handle. Returns true when this was the inode's last
// open handle; the registered callback has then already run.
func (t *Table) Release(id ID) (bool, error) {
	t.mu.Lock()
	h, ok := t.handles[id]
	if !ok {
		t.mu.Unlock()
		return false, common.ErrInvalidHandle
	}
	delete(t.handles, id)
	t.byIno[h.Ino]--
	last := t.byIno[h.Ino] == 0
	if last {
		delete(t.byIno, h.Ino)
	}
	cb := t.onLastClose
	t.mu.Unlock()

	if last && cb != nil {
		cb(h.Ino)
	}
	return last, nil
}

// OpenCount returns the number of open handles on an inode.
func (t *Table) OpenCount(ino int64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byIno[ino]
}

// SetPosition updates a handle's file position.
func (t *Table) SetPosition(id ID, pos int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[id]; ok {
		h.Position = pos
	}
}

// Rewind replaces a directory handle's snapshot and resets its cursor.
func (t *Table) Rewind(id ID, entries []inodestore.DirEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok {
		return common.ErrInvalidHandle
	}
	if !h.IsDir {
		return common.ErrNotDir
	}
	h.snapshot = sortedCopy(entries)
	h.cursor = ""
	return nil
}

// ReadDir returns up to max entries after the handle's cursor and
// advances it. A nil result means enumeration is complete.
func (t *Table) ReadDir(id ID, max int) ([]inodestore.DirEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok {
		return nil, common.ErrInvalidHandle
	}
	if !h.IsDir {
		return nil, common.ErrNotDir
	}

	start := sort.Search(len(h.snapshot), func(i int) bool {
		return h.snapshot[i].Name > h.cursor
	})
	if start >= len(h.snapshot) {
		return nil, nil
	}
	end := start + max
	if max <= 0 || end > len(h.snapshot) {
		end = len(h.snapshot)
	}
	batch := h.snapshot[start:end]
	h.cursor = batch[len(batch)-1].Name
	return batch, nil
}

func sortedCopy(entries []inodestore.DirEntry) []inodestore.DirEntry {
	out := make([]inodestore.DirEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
