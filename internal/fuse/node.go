package fuse

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"riverfs/internal/fsops"
	"riverfs/internal/handle"
	"riverfs/internal/inodestore"
)

// node is one filesystem object seen through the kernel. All logic
// lives in the operation objects; the node only adapts signatures.
type node struct {
	gofuse.Inode
	env *fsops.Env
	ino int64
}

var (
	_ gofuse.InodeEmbedder  = (*node)(nil)
	_ gofuse.NodeLookuper   = (*node)(nil)
	_ gofuse.NodeGetattrer  = (*node)(nil)
	_ gofuse.NodeSetattrer  = (*node)(nil)
	_ gofuse.NodeCreater    = (*node)(nil)
	_ gofuse.NodeOpener     = (*node)(nil)
	_ gofuse.NodeMkdirer    = (*node)(nil)
	_ gofuse.NodeRmdirer    = (*node)(nil)
	_ gofuse.NodeUnlinker   = (*node)(nil)
	_ gofuse.NodeRenamer    = (*node)(nil)
	_ gofuse.NodeReaddirer  = (*node)(nil)
	_ gofuse.NodeSymlinker  = (*node)(nil)
	_ gofuse.NodeReadlinker = (*node)(nil)
	_ gofuse.NodeStatfser   = (*node)(nil)
)

func (n *node) newChild(ctx context.Context, inode *inodestore.Inode) *gofuse.Inode {
	mode := uint32(syscall.S_IFREG)
	switch {
	case inode.IsDir():
		mode = syscall.S_IFDIR
	case inode.IsSymlink():
		mode = syscall.S_IFLNK
	}
	return n.NewInode(ctx, &node{env: n.env, ino: inode.Ino},
		gofuse.StableAttr{Mode: mode, Ino: uint64(inode.Ino)})
}

func fillAttr(inode *inodestore.Inode, out *fuse.Attr) {
	out.Ino = uint64(inode.Ino)
	out.Mode = inode.Mode
	out.Uid = inode.Uid
	out.Gid = inode.Gid
	out.Size = uint64(inode.Size)
	out.Nlink = uint32(inode.Nlink)
	out.SetTimes(&inode.Atime, &inode.Mtime, &inode.Ctime)
}

func caller(ctx context.Context) (uid, gid uint32) {
	if c, ok := fuse.FromContext(ctx); ok {
		return c.Uid, c.Gid
	}
	return 0, 0
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	reply, err := fsops.Dispatch(ctx, n.env, &fsops.Lookup{Parent: n.ino, EntryName: name})
	if err != nil {
		return nil, errno(err)
	}
	child := reply.(*inodestore.Inode)
	fillAttr(child, &out.Attr)
	return n.newChild(ctx, child), 0
}

func (n *node) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	reply, err := fsops.Dispatch(ctx, n.env, &fsops.Getattr{Ino: n.ino})
	if err != nil {
		return errno(err)
	}
	fillAttr(reply.(*inodestore.Inode), &out.Attr)
	return 0
}

func (n *node) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	op := &fsops.Setattr{Ino: n.ino}
	if mode, ok := in.GetMode(); ok {
		op.Mode = &mode
	}
	if uid, ok := in.GetUID(); ok {
		op.Uid = &uid
	}
	if gid, ok := in.GetGID(); ok {
		op.Gid = &gid
	}
	if size, ok := in.GetSize(); ok {
		s := int64(size)
		op.Size = &s
	}
	if atime, ok := in.GetATime(); ok {
		op.Atime = &atime
	}
	if mtime, ok := in.GetMTime(); ok {
		op.Mtime = &mtime
	}

	reply, err := fsops.Dispatch(ctx, n.env, op)
	if err != nil {
		return errno(err)
	}
	fillAttr(reply.(*inodestore.Inode), &out.Attr)
	return 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	uid, gid := caller(ctx)
	reply, err := fsops.Dispatch(ctx, n.env, &fsops.Create{
		Parent: n.ino, EntryName: name, Mode: mode, Uid: uid, Gid: gid, Flags: int(flags),
	})
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	cr := reply.(*fsops.CreateReply)
	fillAttr(cr.Inode, &out.Attr)
	return n.newChild(ctx, cr.Inode), &fileHandle{env: n.env, id: cr.Handle.ID}, 0, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	uid, gid := caller(ctx)
	reply, err := fsops.Dispatch(ctx, n.env, &fsops.Open{
		Ino: n.ino, Flags: int(flags), Uid: uid, Gid: gid,
	})
	if err != nil {
		return nil, 0, errno(err)
	}
	return &fileHandle{env: n.env, id: reply.(*handle.Handle).ID}, 0, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	uid, gid := caller(ctx)
	reply, err := fsops.Dispatch(ctx, n.env, &fsops.Mkdir{
		Parent: n.ino, EntryName: name, Mode: mode, Uid: uid, Gid: gid,
	})
	if err != nil {
		return nil, errno(err)
	}
	child := reply.(*inodestore.Inode)
	fillAttr(child, &out.Attr)
	return n.newChild(ctx, child), 0
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	_, err := fsops.Dispatch(ctx, n.env, &fsops.Rmdir{Parent: n.ino, EntryName: name})
	return errno(err)
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	_, err := fsops.Dispatch(ctx, n.env, &fsops.Unlink{Parent: n.ino, EntryName: name})
	return errno(err)
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	target, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV // rename across filesystems is rejected
	}
	_, err := fsops.Dispatch(ctx, n.env, &fsops.Rename{
		OldParent: n.ino, OldName: name,
		NewParent: target.ino, NewName: newName,
	})
	return errno(err)
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	uid, gid := caller(ctx)
	reply, err := fsops.Dispatch(ctx, n.env, &fsops.Opendir{Ino: n.ino, Uid: uid, Gid: gid})
	if err != nil {
		return nil, errno(err)
	}
	h := reply.(*handle.Handle)
	defer func() {
		_, _ = fsops.Dispatch(ctx, n.env, &fsops.Releasedir{Handle: h.ID})
	}()

	var entries []fuse.DirEntry
	for {
		batch, err := fsops.Dispatch(ctx, n.env, &fsops.Readdir{Handle: h.ID, Max: 256})
		if err != nil {
			return nil, errno(err)
		}
		dirEntries := batch.([]inodestore.DirEntry)
		if dirEntries == nil {
			break
		}
		for _, e := range dirEntries {
			entries = append(entries, fuse.DirEntry{
				Name: e.Name,
				Ino:  uint64(e.Ino),
				Mode: e.Mode,
			})
		}
	}
	return gofuse.NewListDirStream(entries), 0
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	uid, gid := caller(ctx)
	reply, err := fsops.Dispatch(ctx, n.env, &fsops.Symlink{
		Parent: n.ino, EntryName: name, Target: target, Uid: uid, Gid: gid,
	})
	if err != nil {
		return nil, errno(err)
	}
	child := reply.(*inodestore.Inode)
	fillAttr(child, &out.Attr)
	return n.newChild(ctx, child), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	reply, err := fsops.Dispatch(ctx, n.env, &fsops.Readlink{Ino: n.ino})
	if err != nil {
		return nil, errno(err)
	}
	return []byte(reply.(string)), 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	reply, err := fsops.Dispatch(ctx, n.env, &fsops.Statfs{})
	if err != nil {
		return errno(err)
	}
	st := reply.(*fsops.StatfsReply)
	bs := uint64(st.BlockSize)
	out.Bsize = uint32(bs)
	out.Blocks = uint64(st.TotalBytes) / bs
	out.Bfree = (uint64(st.TotalBytes) - uint64(st.UsedBytes)) / bs
	out.Bavail = out.Bfree
	out.NameLen = 255
	return 0
}
