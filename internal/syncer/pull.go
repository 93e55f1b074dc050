package syncer

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"riverfs/internal/cachemgr"
	"riverfs/internal/common"
	"riverfs/internal/inodestore"
	"riverfs/internal/remote"
	"riverfs/internal/util"
)

// PulledEvent is published after a completed downstream sync.
type PulledEvent struct {
	Ino     int64 `json:"ino"`
	Version int64 `json:"version"`
}

// PullDownstream hydrates the given block range (or, for a directory,
// its entry set) from the remote backend. Runs under the download
// budgets; already-written blocks survive cancellation.
func (e *Engine) PullDownstream(ctx context.Context, ino int64, blocks cachemgr.BlockRange) error {
	return e.pool.RunDownload(ctx, ino, func(ctx context.Context) error {
		return e.pullOne(ctx, ino, blocks)
	})
}

func (e *Engine) pullOne(ctx context.Context, ino int64, blocks cachemgr.BlockRange) error {
	// Before: shared pull lease plus registered hooks.
	if err := e.coord.AcquireLease(ctx, pullLeaseKey(ino), e.lockTTL); err != nil {
		return err
	}
	defer func() {
		if err := e.coord.ReleaseLease(context.WithoutCancel(ctx), pullLeaseKey(ino)); err != nil {
			log.Warnf("releasing pull lease for inode %d: %v", ino, err)
		}
	}()
	if err := runHooks(ctx, e.beforePull, ino); err != nil {
		return err
	}

	prev := e.SyncState(ino)
	e.setState(ino, StatePulling)
	defer func() { e.setState(ino, prev) }()

	inode, err := e.cache.Inodes().Get(ctx, ino)
	if err != nil {
		return err
	}

	if inode.IsDir() {
		err = e.pullDir(ctx, inode)
	} else {
		err = e.pullFile(ctx, inode, blocks)
	}
	if err != nil {
		return err
	}

	// The pull completed: bump the version and stamp the sync time.
	newVersion, err := e.completePull(ctx, ino)
	if err != nil {
		return err
	}
	e.cache.MarkFresh(ino)

	// After: hooks, then announce.
	if err := runHooks(ctx, e.afterPull, ino); err != nil {
		return err
	}
	if err := e.coord.Publish(ctx, PulledChannel, PulledEvent{Ino: ino, Version: newVersion}); err != nil {
		log.Debugf("publishing pulled event for inode %d: %v", ino, err)
	}
	return nil
}

// pullFile fetches the requested block range of a file's remote object
// and writes it into the block store, present and clean. Locally dirty
// blocks are never overwritten: they are the mutation a later push (or
// rebase) will reconcile.
func (e *Engine) pullFile(ctx context.Context, inode *inodestore.Inode, blocks cachemgr.BlockRange) error {
	if inode.RemoteRef == "" {
		return nil // purely local file, nothing upstream yet
	}
	blockSize := e.cache.BlockSize()

	offset := blocks.Start * blockSize
	if offset >= inode.Size {
		return nil
	}
	length := blocks.End*blockSize - offset
	if offset+length > inode.Size {
		length = inode.Size - offset
	}

	data, err := e.backend.GetObject(ctx, inode.RemoteRef, &remote.ByteRange{Offset: offset, Length: length})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("%w: remote object for inode %d vanished", common.ErrNotFound, inode.Ino)
		}
		return err
	}

	store := e.cache.Blocks()
	for idx := blocks.Start; idx < blocks.End; idx++ {
		lo := idx*blockSize - offset
		if lo >= int64(len(data)) {
			break
		}
		hi := min64(lo+blockSize, int64(len(data)))

		// Respect local mutations: skip blocks that are dirty.
		if _, sc, err := store.ReadBlock(inode.Ino, idx); err == nil && sc.Dirty {
			continue
		}
		if err := store.WriteBlock(inode.Ino, idx, 0, data[lo:hi], inode.Version, false); err != nil {
			return err
		}
		// Cancellation between blocks is fine; what is written stays.
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// pullDir fetches the remote directory listing and replaces the local
// child set atomically. Children discovered for the first time get
// inode rows; a known clean child whose remote ref changed takes the
// new ref and size with a version bump, and a dirty child is left as is.
func (e *Engine) pullDir(ctx context.Context, inode *inodestore.Inode) error {
	if inode.RemoteRef == "" {
		return nil
	}
	listing, err := e.backend.GetDir(ctx, inode.RemoteRef)
	if err != nil {
		return err
	}

	store := e.cache.Inodes()
	entries := make([]inodestore.Dentry, 0, len(listing))
	for _, re := range listing {
		child, err := store.GetByPath(ctx, inode.Ino, re.Name)
		switch {
		case err == nil:
			// Known child: refresh its remote ref if it is clean.
			if !child.IsDirty() && child.RemoteRef != re.Ref {
				child.RemoteRef = re.Ref
				child.Size = re.Size
				child.Version++
				if uerr := store.Update(ctx, child, child.Version-1); uerr != nil && !errors.Is(uerr, common.ErrStale) {
					return uerr
				}
			}
		case errors.Is(err, common.ErrNotFound):
			// First remote discovery.
			child, err = e.discoverChild(ctx, inode.Ino, re)
			if err != nil {
				return err
			}
		default:
			return err
		}
		entries = append(entries, inodestore.Dentry{ParentIno: inode.Ino, Name: re.Name, Ino: child.Ino})
	}

	return store.ReplaceChildren(ctx, inode.Ino, entries)
}

func (e *Engine) discoverChild(ctx context.Context, parentIno int64, re remote.DirEntry) (*inodestore.Inode, error) {
	now := nowFn()
	child := &inodestore.Inode{
		Nlink:     1,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		RemoteRef: re.Ref,
		ParentIno: parentIno,
		Name:      re.Name,
		Size:      re.Size,
	}
	switch re.Kind {
	case remote.KindDir:
		child.Mode = inodestore.DefaultDirMode
		child.Nlink = 2
		child.Size = 0
	case remote.KindSymlink:
		child.Mode = inodestore.ModeSymlink | 0777
	default:
		child.Mode = inodestore.DefaultFileMode
	}
	if err := e.cache.Inodes().Insert(ctx, child); err != nil {
		return nil, err
	}
	return child, nil
}

// completePull bumps the inode version with a small CAS retry: every
// completed pull advances the version.
func (e *Engine) completePull(ctx context.Context, ino int64) (int64, error) {
	store := e.cache.Inodes()
	return util.RetryWithResult(ctx, func() (int64, error) {
		inode, err := store.Get(ctx, ino)
		if err != nil {
			return 0, err
		}
		inode.Version++
		inode.LastSyncTS = nowFn()
		if err := store.Update(ctx, inode, inode.Version-1); err != nil {
			return 0, err
		}
		return inode.Version, nil
	}, util.PushRetryOptions(ctx, 3)...)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
