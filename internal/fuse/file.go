package fuse

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"riverfs/internal/fsops"
	"riverfs/internal/handle"
)

// fileHandle adapts an open handle to the kernel's file operations.
type fileHandle struct {
	env *fsops.Env
	id  handle.ID
}

var (
	_ gofuse.FileReader   = (*fileHandle)(nil)
	_ gofuse.FileWriter   = (*fileHandle)(nil)
	_ gofuse.FileFlusher  = (*fileHandle)(nil)
	_ gofuse.FileFsyncer  = (*fileHandle)(nil)
	_ gofuse.FileReleaser = (*fileHandle)(nil)
)

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	reply, err := fsops.Dispatch(ctx, f.env, &fsops.Read{
		Handle: f.id, Offset: off, Size: int64(len(dest)),
	})
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(reply.([]byte)), 0
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	reply, err := fsops.Dispatch(ctx, f.env, &fsops.Write{
		Handle: f.id, Offset: off, Data: data,
	})
	if err != nil {
		return 0, errno(err)
	}
	return uint32(reply.(*fsops.WriteReply).N), 0
}

func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	_, err := fsops.Dispatch(ctx, f.env, &fsops.Flush{Handle: f.id})
	return errno(err)
}

func (f *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	_, err := fsops.Dispatch(ctx, f.env, &fsops.Fsync{Handle: f.id})
	return errno(err)
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	_, err := fsops.Dispatch(ctx, f.env, &fsops.Release{Handle: f.id})
	return errno(err)
}
