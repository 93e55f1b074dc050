package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"riverfs/internal/cachemgr"
	"riverfs/internal/common"
	"riverfs/internal/inodestore"
	"riverfs/internal/remote"
)

// PushedEvent is published after a completed upstream sync.
type PushedEvent struct {
	Ino     int64 `json:"ino"`
	Version int64 `json:"version"`
}

// PushUpstream uploads an inode's dirty state to the remote backend.
// At most one push per inode is in flight at any instant, enforced by
// the exclusive CoordStore lock; a caller that finds the lock already
// held gets ErrBusy, while calls through here for the same inode queue
// behind one another in the executor. A push
// on a clean inode is a no-op returning nil.
func (e *Engine) PushUpstream(ctx context.Context, ino int64) error {
	return e.pool.RunUpload(ctx, ino, func(ctx context.Context) error {
		return e.pushOne(ctx, ino)
	})
}

func (e *Engine) pushOne(ctx context.Context, ino int64) error {
	inode, err := e.cache.Inodes().Get(ctx, ino)
	if err != nil {
		return err
	}
	if !inode.IsDirty() && inode.RemoteRef != "" {
		return nil // idempotent push on a clean inode
	}

	// Before: exclusive push lock, then hooks, then snapshot under the
	// local per-inode mutex.
	token, err := e.coord.Acquire(ctx, pushLockKey(ino), e.lockTTL)
	if err != nil {
		return err // BUSY: a push is already in flight
	}
	defer func() {
		if rerr := e.coord.Release(context.WithoutCancel(ctx), pushLockKey(ino), token); rerr != nil {
			log.Warnf("releasing push lock for inode %d: %v", ino, rerr)
		}
	}()
	if err := runHooks(ctx, e.beforePush, ino); err != nil {
		return err
	}

	e.setState(ino, StatePushing)

	snap, err := e.cache.SnapshotDirty(ctx, ino)
	if err != nil {
		e.setState(ino, StateDirty)
		return err
	}

	keepAlive := e.startLockKeepAlive(ctx, pushLockKey(ino), token)
	defer keepAlive()

	var newVersion int64
	err = retry.Do(func() error {
		v, perr := e.pushAttempt(ctx, ino, snap)
		if errors.Is(perr, common.ErrStale) {
			e.setState(ino, StateRebasing)
			if rerr := e.rebase(ctx, ino, snap); rerr != nil {
				return retry.Unrecoverable(rerr)
			}
			// Retry with a fresh snapshot of the rebased state.
			fresh, rerr := e.cache.SnapshotDirty(ctx, ino)
			if rerr != nil {
				return retry.Unrecoverable(rerr)
			}
			snap = fresh
			e.setState(ino, StatePushing)
			return perr
		}
		if perr != nil {
			return perr
		}
		newVersion = v
		return nil
	},
		retry.Attempts(e.pushAttempts),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	)
	if err != nil {
		e.setState(ino, StateDirty)
		return err
	}

	// After: mark pushed blocks clean under the snapshot version; a
	// version mismatch means new writes arrived since the snapshot and
	// the block stays dirty for the next push.
	for _, b := range snap.Dirty {
		if cerr := e.cache.Blocks().MarkClean(ino, b.Index, b.Version); cerr != nil && !errors.Is(cerr, common.ErrStale) {
			log.Warnf("marking block %d/%d clean: %v", ino, b.Index, cerr)
		}
	}
	e.setState(ino, e.residualState(ctx, ino))

	if err := runHooks(ctx, e.afterPush, ino); err != nil {
		return err
	}
	if err := e.coord.Publish(ctx, PushedChannel, PushedEvent{Ino: ino, Version: newVersion}); err != nil {
		log.Debugf("publishing pushed event for inode %d: %v", ino, err)
	}
	return nil
}

// pushAttempt uploads the inode once against the snapshot version.
// Returns the new version, or ErrStale when the inode row moved.
func (e *Engine) pushAttempt(ctx context.Context, ino int64, snap *cachemgr.DirtySnapshot) (int64, error) {
	inode, err := e.cache.Inodes().Get(ctx, ino)
	if err != nil {
		return 0, err
	}

	var newRef string
	if inode.IsDir() {
		newRef, err = e.pushDir(ctx, inode)
	} else {
		newRef, err = e.pushFile(ctx, ino)
	}
	if err != nil {
		return 0, err
	}

	// Commit the new remote ref against the snapshot version. STALE
	// means the inode moved underneath the upload, whether a local write
	// or an out-of-band remote mutation; the new ref is discarded and
	// the caller rebases. Success implies no writes arrived since the
	// snapshot, so the dirty mask clears.
	cur, err := e.cache.Inodes().Get(ctx, ino)
	if err != nil {
		return 0, err
	}
	cur.RemoteRef = newRef
	cur.LastSyncTS = nowFn()
	cur.DirtyMask = inodestore.DirtyNone
	cur.Version = snap.Version
	if err := e.cache.Inodes().Update(ctx, cur, snap.Version); err != nil {
		return 0, err
	}
	return cur.Version, nil
}

// pushFile uploads the file's full content; the backend returns a new
// immutable ref.
func (e *Engine) pushFile(ctx context.Context, ino int64) (string, error) {
	content, err := e.cache.MaterializeFile(ctx, ino)
	if err != nil {
		return "", err
	}
	return e.backend.PutObject(ctx, content)
}

// pushDir applies the local child set to the remote directory. Children
// that have never been pushed are uploaded first so every entry carries
// a capability.
func (e *Engine) pushDir(ctx context.Context, inode *inodestore.Inode) (string, error) {
	store := e.cache.Inodes()
	children, err := store.ListChildren(ctx, inode.Ino)
	if err != nil {
		return "", err
	}

	entries := make([]remote.DirEntry, 0, len(children))
	for _, c := range children {
		child, err := store.Get(ctx, c.Ino)
		if err != nil {
			return "", err
		}
		if child.RemoteRef == "" {
			if err := e.pushOne(ctx, child.Ino); err != nil {
				return "", fmt.Errorf("pushing new child %q: %w", c.Name, err)
			}
			if child, err = store.Get(ctx, c.Ino); err != nil {
				return "", err
			}
		}
		kind := remote.KindFile
		switch {
		case child.IsDir():
			kind = remote.KindDir
		case child.IsSymlink():
			kind = remote.KindSymlink
		}
		entries = append(entries, remote.DirEntry{
			Name: c.Name,
			Ref:  child.RemoteRef,
			Kind: kind,
			Size: child.Size,
		})
	}

	return e.backend.PutDir(ctx, inode.RemoteRef, entries)
}

// rebase recovers from a STALE push: pull the remote state, let the
// merge policy pick a winner for conflicting file data, and leave the
// local dirty set ready for the retry. For files the dirty blocks are
// the local mutation; a pull never overwrites them, so "local wins" is
// hydrate-the-rest and re-push. For directories the union of both child
// sets is kept, local entries winning name conflicts.
func (e *Engine) rebase(ctx context.Context, ino int64, snap *cachemgr.DirtySnapshot) error {
	inode, err := e.cache.Inodes().Get(ctx, ino)
	if err != nil {
		return err
	}

	if inode.IsDir() {
		return e.rebaseDir(ctx, inode)
	}

	if !e.merge(snap.Mtime, inode.Mtime) {
		// Remote wins: local dirty blocks are dropped, the next reads
		// re-fetch remote content.
		for _, b := range snap.Dirty {
			e.cache.Blocks().Purge(ino, b.Index)
		}
	}

	blockSize := e.cache.BlockSize()
	end := (inode.Size + blockSize - 1) / blockSize
	if end == 0 {
		end = 1
	}
	return e.pullOne(ctx, ino, cachemgr.BlockRange{Start: 0, End: end})
}

// rebaseDir merges the remote child set into the local one: union of
// adds, local entries authoritative on conflicts.
func (e *Engine) rebaseDir(ctx context.Context, inode *inodestore.Inode) error {
	if inode.RemoteRef == "" {
		return nil
	}
	store := e.cache.Inodes()

	local, err := store.ListChildren(ctx, inode.Ino)
	if err != nil {
		return err
	}
	localNames := make(map[string]struct{}, len(local))
	merged := make([]inodestore.Dentry, 0, len(local))
	for _, c := range local {
		localNames[c.Name] = struct{}{}
		merged = append(merged, inodestore.Dentry{ParentIno: inode.Ino, Name: c.Name, Ino: c.Ino})
	}

	listing, err := e.backend.GetDir(ctx, inode.RemoteRef)
	if err != nil {
		return err
	}
	for _, re := range listing {
		if _, ok := localNames[re.Name]; ok {
			continue
		}
		child, err := e.discoverChild(ctx, inode.Ino, re)
		if err != nil {
			return err
		}
		merged = append(merged, inodestore.Dentry{ParentIno: inode.Ino, Name: re.Name, Ino: child.Ino})
	}

	return store.ReplaceChildren(ctx, inode.Ino, merged)
}

// residualState inspects the inode after a push: new writes that arrived
// during the upload keep it DIRTY, otherwise it returns to IDLE.
func (e *Engine) residualState(ctx context.Context, ino int64) State {
	inode, err := e.cache.Inodes().Get(ctx, ino)
	if err == nil && inode.IsDirty() {
		return StateDirty
	}
	return StateIdle
}

// startLockKeepAlive refreshes the push lock TTL for the duration of a
// long-running upload. The returned stop function is idempotent.
func (e *Engine) startLockKeepAlive(ctx context.Context, key, token string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := e.coord.Refresh(ctx, key, token, e.lockTTL); err != nil {
					log.Warnf("refreshing lock %s: %v", key, err)
					return
				}
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

// DeleteUpstream pushes a remote delete for an inode being destroyed
// (nlink 0, no handles, dirty state drained), then removes the local
// row and blocks.
func (e *Engine) DeleteUpstream(ctx context.Context, ino int64) error {
	e.setState(ino, StateDeleting)
	defer e.setState(ino, StateIdle)

	inode, err := e.cache.Inodes().Get(ctx, ino)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}

	if inode.RemoteRef != "" {
		if err := e.backend.Delete(ctx, inode.RemoteRef); err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
	}
	if err := e.cache.DropInode(ino); err != nil {
		return err
	}
	return e.cache.Inodes().Delete(ctx, ino)
}
