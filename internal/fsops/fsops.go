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

// Package fsops holds the stateless POSIX operation objects. Each verb
// is one struct with a uniform Apply contract over the shared
// environment; the FUSE bridge constructs and dispatches them. All ops
// are re-entrant across distinct inodes and serialized per inode by the
// cache manager's mutex.
package fsops

import (
	"context"

	log "github.com/sirupsen/logrus"

	"riverfs/internal/cachemgr"
	"riverfs/internal/common"
	"riverfs/internal/executor"
	"riverfs/internal/handle"
	"riverfs/internal/inodestore"
	"riverfs/internal/syncer"
)

// Env carries the collaborators every operation consumes.
type Env struct {
	Cache   *cachemgr.Manager
	Sync    *syncer.Engine
	Handles *handle.Table
	Pool    *executor.Pool
}

// Reply is an operation's result. Concrete ops return concrete types;
// the bridge type-switches.
type Reply any

// Op is the uniform entry point: a closed set of operation variants
// dispatched over one contract.
type Op interface {
	Name() string
	Apply(ctx context.Context, env *Env) (Reply, error)
}

// Dispatch runs an op with trace logging.
func Dispatch(ctx context.Context, env *Env, op Op) (Reply, error) {
	reply, err := op.Apply(ctx, env)
	if err != nil && log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("[fsop] %s → %v", op.Name(), err)
	}
	return reply, err
}

// WireOrphanFinalizer connects the handle table's last-close event to
// unlink finalization: an inode whose nlink hit zero while handles were
// open is destroyed when the last one closes.
func WireOrphanFinalizer(env *Env) {
	env.Handles.OnLastClose(func(ino int64) {
		ctx := context.Background()
		inode, err := env.Cache.Inodes().Get(ctx, ino)
		if err != nil || inode.Nlink > 0 {
			return
		}
		env.Pool.Submit(ctx, func(ctx context.Context) {
			if err := env.Sync.DeleteUpstream(ctx, ino); err != nil {
				log.Warnf("finalizing orphan inode %d: %v", ino, err)
			}
		})
	})
}

// access checks permission bits for the requesting identity. Root
// bypasses; otherwise the owner, group, then other bits apply.
func access(inode *inodestore.Inode, uid, gid uint32, want uint32) error {
	if uid == 0 {
		return nil
	}
	perm := inode.Mode & 0777
	var bits uint32
	switch {
	case uid == inode.Uid:
		bits = (perm >> 6) & 7
	case gid == inode.Gid:
		bits = (perm >> 3) & 7
	default:
		bits = perm & 7
	}
	if bits&want != want {
		return common.ErrPermission
	}
	return nil
}

// getInode is the shared "inode or NOT_FOUND" fetch.
func getInode(ctx context.Context, env *Env, ino int64) (*inodestore.Inode, error) {
	return env.Cache.Inodes().Get(ctx, ino)
}

// resolveDir fetches an inode and insists it is a directory.
func resolveDir(ctx context.Context, env *Env, ino int64) (*inodestore.Inode, error) {
	inode, err := getInode(ctx, env, ino)
	if err != nil {
		return nil, err
	}
	if !inode.IsDir() {
		return nil, common.ErrNotDir
	}
	return inode, nil
}

// maybeScheduleDelete queues the remote delete for an inode with no
// links and no open handles; with handles still open it stays an orphan
// finalized on last close.
func maybeScheduleDelete(ctx context.Context, env *Env, ino int64) {
	if env.Handles.OpenCount(ino) > 0 {
		return
	}
	env.Pool.Submit(context.WithoutCancel(ctx), func(ctx context.Context) {
		if err := env.Sync.DeleteUpstream(ctx, ino); err != nil {
			log.Warnf("remote delete of inode %d: %v", ino, err)
		}
	})
}

// bumpMeta applies fn to the inode under its mutex, marks it meta-dirty
// and bumps the version, retrying a CAS race once.
func bumpMeta(ctx context.Context, env *Env, ino int64, fn func(*inodestore.Inode)) (*inodestore.Inode, error) {
	var out *inodestore.Inode
	err := env.Cache.WithInodeLock(ino, func() error {
		inode, err := getInode(ctx, env, ino)
		if err != nil {
			return err
		}
		fn(inode)
		inode.DirtyMask |= inodestore.DirtyMeta
		inode.Version++
		if err := env.Cache.Inodes().Update(ctx, inode, inode.Version-1); err != nil {
			return err
		}
		out = inode
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return common.ErrInvalidArg
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return common.ErrInvalidArg
		}
	}
	return nil
}
