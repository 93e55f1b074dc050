package fsops

import (
	"context"
	"os"
	"time"

	"riverfs/internal/common"
	"riverfs/internal/handle"
	"riverfs/internal/inodestore"
	"riverfs/internal/util"
)

// Create makes a new regular file and opens a handle on it.
type Create struct {
	Parent    int64
	EntryName string
	Mode      uint32
	Uid       uint32
	Gid       uint32
	Flags     int
}

// CreateReply carries the new inode and its open handle.
type CreateReply struct {
	Inode  *inodestore.Inode
	Handle *handle.Handle
}

func (op *Create) Name() string { return "create" }

func (op *Create) Apply(ctx context.Context, env *Env) (Reply, error) {
	if env.Cache.ReadOnly() {
		return nil, common.ErrReadOnly
	}
	if err := validName(op.EntryName); err != nil {
		return nil, err
	}
	parent, err := resolveDir(ctx, env, op.Parent)
	if err != nil {
		return nil, err
	}
	if err := access(parent, op.Uid, op.Gid, 3); err != nil { // write+execute on parent
		return nil, err
	}

	now := time.Now()
	inode := &inodestore.Inode{
		Mode:      inodestore.ModeFile | (op.Mode & 0777),
		Uid:       op.Uid,
		Gid:       op.Gid,
		Nlink:     1,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		ParentIno: op.Parent,
		Name:      op.EntryName,
		DirtyMask: inodestore.DirtyMeta,
	}
	if err := env.Cache.Inodes().Insert(ctx, inode); err != nil {
		return nil, err
	}
	if _, err := bumpMeta(ctx, env, op.Parent, func(p *inodestore.Inode) {
		p.Mtime = now
		p.Ctime = now
	}); err != nil {
		return nil, err
	}

	h, err := env.Handles.Open(inode, op.Flags)
	if err != nil {
		return nil, err
	}
	return &CreateReply{Inode: inode, Handle: h}, nil
}

// Open opens a handle on an existing file.
type Open struct {
	Ino   int64
	Flags int
	Uid   uint32
	Gid   uint32
}

func (op *Open) Name() string { return "open" }

func (op *Open) Apply(ctx context.Context, env *Env) (Reply, error) {
	inode, err := getInode(ctx, env, op.Ino)
	if err != nil {
		return nil, err
	}
	var want uint32
	switch op.Flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		want = 2
	case os.O_RDWR:
		want = 6
	default:
		want = 4
	}
	if err := access(inode, op.Uid, op.Gid, want); err != nil {
		return nil, err
	}
	if env.Cache.ReadOnly() && want&2 != 0 {
		return nil, common.ErrReadOnly
	}
	return env.Handles.Open(inode, op.Flags)
}

// Read returns exactly the overlap of the request with the file,
// pulling on miss. Partial data only at EOF or on error.
type Read struct {
	Handle handle.ID
	Offset int64
	Size   int64
}

func (op *Read) Name() string { return "read" }

func (op *Read) Apply(ctx context.Context, env *Env) (Reply, error) {
	h, err := env.Handles.Get(op.Handle)
	if err != nil {
		return nil, err
	}
	if !h.CanRead() {
		return nil, common.ErrPermission
	}
	data, err := env.Cache.ReadRange(ctx, h.Ino, op.Offset, op.Size)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write stages data, extending the file as needed. O_APPEND handles
// resolve the offset atomically against concurrent same-inode writers.
type Write struct {
	Handle handle.ID
	Offset int64
	Data   []byte
}

// WriteReply reports bytes written and the offset they landed at.
type WriteReply struct {
	N      int
	Offset int64
}

func (op *Write) Name() string { return "write" }

func (op *Write) Apply(ctx context.Context, env *Env) (Reply, error) {
	h, err := env.Handles.Get(op.Handle)
	if err != nil {
		return nil, err
	}
	if !h.CanWrite() {
		return nil, common.ErrPermission
	}

	if h.Append() {
		off, err := env.Cache.Append(ctx, h.Ino, op.Data)
		if err != nil {
			return nil, err
		}
		return &WriteReply{N: len(op.Data), Offset: off}, nil
	}

	n, err := env.Cache.WriteRange(ctx, h.Ino, op.Offset, op.Data)
	if err != nil {
		return nil, err
	}
	return &WriteReply{N: n, Offset: op.Offset}, nil
}

// Truncate sets a file's size, dropping blocks beyond the new end.
type Truncate struct {
	Ino  int64
	Size int64
}

func (op *Truncate) Name() string { return "truncate" }

func (op *Truncate) Apply(ctx context.Context, env *Env) (Reply, error) {
	return nil, env.Cache.Truncate(ctx, op.Ino, op.Size)
}

// Flush runs at close-time flush points. Dirty state stays queued for
// the background flusher; flush itself only validates the handle.
type Flush struct {
	Handle handle.ID
}

func (op *Flush) Name() string { return "flush" }

func (op *Flush) Apply(ctx context.Context, env *Env) (Reply, error) {
	if _, err := env.Handles.Get(op.Handle); err != nil {
		return nil, err
	}
	return nil, nil
}

// Fsync forces a push of the handle's inode and returns only after
// success or permanent failure. Not merely a cache flush.
type Fsync struct {
	Handle handle.ID
}

func (op *Fsync) Name() string { return "fsync" }

func (op *Fsync) Apply(ctx context.Context, env *Env) (Reply, error) {
	h, err := env.Handles.Get(op.Handle)
	if err != nil {
		return nil, err
	}
	// Lock contention from a concurrent push is transient; retry with
	// backoff before reporting anything.
	err = util.Retry(ctx, func() error {
		return env.Sync.PushUpstream(ctx, h.Ino)
	}, util.LockRetryOptions(ctx)...)
	if err != nil {
		if util.IsBackendUnavailable(err) {
			// Retries exhausted against an unreachable backend: the
			// mount degrades read-only. Acknowledged writes stay queued
			// locally.
			env.Cache.Degrade(ctx, "fsync push failed: "+err.Error())
		}
		return nil, err
	}
	return nil, nil
}

// Release closes a handle. The last close of an orphaned inode triggers
// its finalization through the handle table callback.
type Release struct {
	Handle handle.ID
}

func (op *Release) Name() string { return "release" }

func (op *Release) Apply(ctx context.Context, env *Env) (Reply, error) {
	_, err := env.Handles.Release(op.Handle)
	return nil, err
}
