package fsops

import (
	"context"
	"errors"
	"time"

	"riverfs/internal/common"
	"riverfs/internal/handle"
	"riverfs/internal/inodestore"
)

// Lookup resolves a name in a directory through the inode store.
type Lookup struct {
	Parent    int64
	EntryName string
}

func (op *Lookup) Name() string { return "lookup" }

func (op *Lookup) Apply(ctx context.Context, env *Env) (Reply, error) {
	if _, err := resolveDir(ctx, env, op.Parent); err != nil {
		return nil, err
	}
	return env.Cache.Inodes().GetByPath(ctx, op.Parent, op.EntryName)
}

// Getattr returns an inode's attributes.
type Getattr struct {
	Ino int64
}

func (op *Getattr) Name() string { return "getattr" }

func (op *Getattr) Apply(ctx context.Context, env *Env) (Reply, error) {
	return getInode(ctx, env, op.Ino)
}

// Setattr applies a partial attribute update (chmod/chown/utimes; size
// changes route through Truncate).
type Setattr struct {
	Ino   int64
	Mode  *uint32
	Uid   *uint32
	Gid   *uint32
	Size  *int64
	Atime *time.Time
	Mtime *time.Time
}

func (op *Setattr) Name() string { return "setattr" }

func (op *Setattr) Apply(ctx context.Context, env *Env) (Reply, error) {
	if env.Cache.ReadOnly() {
		return nil, common.ErrReadOnly
	}
	if op.Size != nil {
		if err := env.Cache.Truncate(ctx, op.Ino, *op.Size); err != nil {
			return nil, err
		}
	}
	return bumpMeta(ctx, env, op.Ino, func(inode *inodestore.Inode) {
		if op.Mode != nil {
			inode.Mode = (inode.Mode &^ 0777) | (*op.Mode & 0777)
		}
		if op.Uid != nil {
			inode.Uid = *op.Uid
		}
		if op.Gid != nil {
			inode.Gid = *op.Gid
		}
		if op.Atime != nil {
			inode.Atime = *op.Atime
		}
		if op.Mtime != nil {
			inode.Mtime = *op.Mtime
		}
		inode.Ctime = time.Now()
	})
}

// Mkdir creates a directory.
type Mkdir struct {
	Parent    int64
	EntryName string
	Mode      uint32
	Uid       uint32
	Gid       uint32
}

func (op *Mkdir) Name() string { return "mkdir" }

func (op *Mkdir) Apply(ctx context.Context, env *Env) (Reply, error) {
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
	if err := access(parent, op.Uid, op.Gid, 3); err != nil {
		return nil, err
	}

	now := time.Now()
	inode := &inodestore.Inode{
		Mode:      inodestore.ModeDir | (op.Mode & 0777),
		Uid:       op.Uid,
		Gid:       op.Gid,
		Nlink:     2,
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
		p.Nlink++
		p.Mtime = now
		p.Ctime = now
	}); err != nil {
		return nil, err
	}
	return inode, nil
}

// Rmdir removes an empty directory.
type Rmdir struct {
	Parent    int64
	EntryName string
}

func (op *Rmdir) Name() string { return "rmdir" }

func (op *Rmdir) Apply(ctx context.Context, env *Env) (Reply, error) {
	if env.Cache.ReadOnly() {
		return nil, common.ErrReadOnly
	}
	child, err := env.Cache.Inodes().GetByPath(ctx, op.Parent, op.EntryName)
	if err != nil {
		return nil, err
	}
	if !child.IsDir() {
		return nil, common.ErrNotDir
	}
	hasKids, err := env.Cache.Inodes().HasChildren(ctx, child.Ino)
	if err != nil {
		return nil, err
	}
	if hasKids {
		return nil, common.ErrNotEmpty
	}

	if err := env.Cache.Inodes().Unlink(ctx, op.Parent, op.EntryName); err != nil {
		return nil, err
	}
	now := time.Now()
	if _, err := bumpMeta(ctx, env, op.Parent, func(p *inodestore.Inode) {
		p.Nlink--
		p.Mtime = now
		p.Ctime = now
	}); err != nil {
		return nil, err
	}
	if _, err := bumpMeta(ctx, env, child.Ino, func(c *inodestore.Inode) {
		c.Nlink = 0
	}); err != nil {
		return nil, err
	}
	maybeScheduleDelete(ctx, env, child.Ino)
	return nil, nil
}

// Unlink removes a file's directory entry. With handles still open the
// inode survives as an orphan until the last close.
type Unlink struct {
	Parent    int64
	EntryName string
}

func (op *Unlink) Name() string { return "unlink" }

func (op *Unlink) Apply(ctx context.Context, env *Env) (Reply, error) {
	if env.Cache.ReadOnly() {
		return nil, common.ErrReadOnly
	}
	child, err := env.Cache.Inodes().GetByPath(ctx, op.Parent, op.EntryName)
	if err != nil {
		return nil, err
	}
	if child.IsDir() {
		return nil, common.ErrIsDir
	}

	if err := env.Cache.Inodes().Unlink(ctx, op.Parent, op.EntryName); err != nil {
		return nil, err
	}
	now := time.Now()
	if _, err := bumpMeta(ctx, env, op.Parent, func(p *inodestore.Inode) {
		p.Mtime = now
		p.Ctime = now
	}); err != nil {
		return nil, err
	}
	updated, err := bumpMeta(ctx, env, child.Ino, func(c *inodestore.Inode) {
		c.Nlink--
		c.Ctime = now
	})
	if err != nil {
		return nil, err
	}
	if updated.Nlink <= 0 {
		maybeScheduleDelete(ctx, env, child.Ino)
	}
	return nil, nil
}

// Rename moves an entry, replacing any existing target per POSIX, in a
// single inode-store transaction. Cross-filesystem renames are rejected
// at the bridge (a mount is one filesystem).
type Rename struct {
	OldParent int64
	OldName   string
	NewParent int64
	NewName   string
}

func (op *Rename) Name() string { return "rename" }

func (op *Rename) Apply(ctx context.Context, env *Env) (Reply, error) {
	if env.Cache.ReadOnly() {
		return nil, common.ErrReadOnly
	}
	if err := validName(op.NewName); err != nil {
		return nil, err
	}
	if _, err := resolveDir(ctx, env, op.OldParent); err != nil {
		return nil, err
	}
	if _, err := resolveDir(ctx, env, op.NewParent); err != nil {
		return nil, err
	}

	replaced, err := env.Cache.Inodes().Rename(ctx, op.OldParent, op.OldName, op.NewParent, op.NewName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	touch := func(ino int64) error {
		_, err := bumpMeta(ctx, env, ino, func(p *inodestore.Inode) {
			p.Mtime = now
			p.Ctime = now
		})
		return err
	}
	if err := touch(op.OldParent); err != nil {
		return nil, err
	}
	if op.NewParent != op.OldParent {
		if err := touch(op.NewParent); err != nil {
			return nil, err
		}
	}

	if replaced != 0 {
		updated, err := bumpMeta(ctx, env, replaced, func(c *inodestore.Inode) {
			c.Nlink--
			c.Ctime = now
		})
		if err != nil && !isNotFound(err) {
			return nil, err
		}
		if err == nil && updated.Nlink <= 0 {
			maybeScheduleDelete(ctx, env, replaced)
		}
	}
	return nil, nil
}

// Opendir opens a directory handle over a point-in-time snapshot of its
// entries.
type Opendir struct {
	Ino int64
	Uid uint32
	Gid uint32
}

func (op *Opendir) Name() string { return "opendir" }

func (op *Opendir) Apply(ctx context.Context, env *Env) (Reply, error) {
	inode, err := resolveDir(ctx, env, op.Ino)
	if err != nil {
		return nil, err
	}
	if err := access(inode, op.Uid, op.Gid, 5); err != nil { // read+execute
		return nil, err
	}

	entries, err := env.Cache.Inodes().ListChildren(ctx, op.Ino)
	if err != nil {
		return nil, err
	}
	return env.Handles.OpenDir(inode, entries)
}

// Readdir returns the next batch from the handle's snapshot.
type Readdir struct {
	Handle handle.ID
	Max    int
}

func (op *Readdir) Name() string { return "readdir" }

func (op *Readdir) Apply(ctx context.Context, env *Env) (Reply, error) {
	return env.Handles.ReadDir(op.Handle, op.Max)
}

// Releasedir closes a directory handle.
type Releasedir struct {
	Handle handle.ID
}

func (op *Releasedir) Name() string { return "releasedir" }

func (op *Releasedir) Apply(ctx context.Context, env *Env) (Reply, error) {
	_, err := env.Handles.Release(op.Handle)
	return nil, err
}

// Symlink creates a symbolic link.
type Symlink struct {
	Parent    int64
	EntryName string
	Target    string
	Uid       uint32
	Gid       uint32
}

func (op *Symlink) Name() string { return "symlink" }

func (op *Symlink) Apply(ctx context.Context, env *Env) (Reply, error) {
	if env.Cache.ReadOnly() {
		return nil, common.ErrReadOnly
	}
	if err := validName(op.EntryName); err != nil {
		return nil, err
	}
	if _, err := resolveDir(ctx, env, op.Parent); err != nil {
		return nil, err
	}

	now := time.Now()
	inode := &inodestore.Inode{
		Mode:          inodestore.ModeSymlink | 0777,
		Uid:           op.Uid,
		Gid:           op.Gid,
		Nlink:         1,
		Size:          int64(len(op.Target)),
		Atime:         now,
		Mtime:         now,
		Ctime:         now,
		ParentIno:     op.Parent,
		Name:          op.EntryName,
		SymlinkTarget: op.Target,
		DirtyMask:     inodestore.DirtyMeta,
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
	return inode, nil
}

// Readlink returns a symlink's target.
type Readlink struct {
	Ino int64
}

func (op *Readlink) Name() string { return "readlink" }

func (op *Readlink) Apply(ctx context.Context, env *Env) (Reply, error) {
	inode, err := getInode(ctx, env, op.Ino)
	if err != nil {
		return nil, err
	}
	if !inode.IsSymlink() {
		return nil, common.ErrInvalidArg
	}
	return inode.SymlinkTarget, nil
}

// Statfs reports filesystem-level numbers derived from the cache
// configuration.
type Statfs struct{}

// StatfsReply mirrors the statvfs fields the bridge fills in.
type StatfsReply struct {
	BlockSize  int64
	TotalBytes int64
	UsedBytes  int64
}

func (op *Statfs) Name() string { return "statfs" }

func (op *Statfs) Apply(ctx context.Context, env *Env) (Reply, error) {
	return &StatfsReply{
		BlockSize:  env.Cache.BlockSize(),
		TotalBytes: 1 << 40, // the backend reports no capacity; advertise plenty
		UsedBytes:  env.Cache.Blocks().TotalBytes(),
	}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
