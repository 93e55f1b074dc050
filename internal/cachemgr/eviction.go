package cachemgr

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"riverfs/internal/common"
)

// EnsureCapacity reclaims space until need more bytes fit under
// CacheBytesMax. Victims are clean blocks in approximate LRU order;
// dirty blocks are never evicted. When no clean block remains, the inode
// holding the most dirty bytes is pushed synchronously and eviction
// retries. excludeIno is the inode whose mutex the caller already holds
// (never a flush victim, or the flush would self-deadlock).
// ErrCacheFull surfaces only when dirty data cannot be drained.
func (m *Manager) EnsureCapacity(ctx context.Context, need int64, excludeIno int64) error {
	if m.cfg.CacheBytesMax <= 0 {
		return nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		if m.blocks.TotalBytes()+need <= m.cfg.CacheBytesMax {
			return nil
		}
		if m.evictClean(need) {
			continue
		}
		// No clean victims left: force a synchronous push of the
		// dirtiest inode, which turns its blocks into candidates.
		if err := m.flushDirtiest(ctx, excludeIno); err != nil {
			return fmt.Errorf("%w: %v", common.ErrCacheFull, err)
		}
	}

	if m.blocks.TotalBytes()+need <= m.cfg.CacheBytesMax {
		return nil
	}
	return common.ErrCacheFull
}

// evictClean walks the recency index oldest-first evicting clean blocks
// until either enough space is free or no candidate remains. Reports
// whether progress was made.
func (m *Manager) evictClean(need int64) bool {
	progress := false
	for _, key := range m.recency.Keys() { // oldest to newest
		if m.blocks.TotalBytes()+need <= m.cfg.CacheBytesMax {
			return true
		}
		err := m.blocks.Evict(key.ino, key.idx)
		switch {
		case err == nil:
			m.recency.Remove(key)
			progress = true
		case errors.Is(err, common.ErrNotFound):
			// Index entry outlived the block.
			m.recency.Remove(key)
		default:
			// Dirty or unreadable: not a victim.
		}
	}
	return progress
}

// flushDirtiest pushes the inode with the most dirty bytes.
func (m *Manager) flushDirtiest(ctx context.Context, excludeIno int64) error {
	if m.pusher == nil {
		return fmt.Errorf("no sync engine wired")
	}
	dirty, err := m.inodes.ListDirty(ctx)
	if err != nil {
		return err
	}

	var victim int64
	var most int64 = -1
	for _, ino := range dirty {
		if ino == excludeIno {
			continue
		}
		if b := m.blocks.DirtyBytes(ino); b > most {
			most, victim = b, ino
		}
	}
	if most < 0 {
		return fmt.Errorf("no dirty inode to drain")
	}

	log.Debugf("cache full: forcing push of inode %d (%d dirty bytes)", victim, most)
	return m.pusher.PushUpstream(ctx, victim)
}
