package fsops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riverfs/internal/blockstore"
	"riverfs/internal/cachemgr"
	"riverfs/internal/common"
	"riverfs/internal/coord"
	"riverfs/internal/executor"
	"riverfs/internal/handle"
	"riverfs/internal/inodestore"
	"riverfs/internal/remote"
	"riverfs/internal/syncer"
)

const testBlockSize = 4096

// memBackend is a minimal in-memory capability store for op tests.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	dirs    map[string][]remote.DirEntry
	nextCap int
	deletes []string
}

func (b *memBackend) GetObject(ctx context.Context, ref string, rng *remote.ByteRange) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[ref]
	if !ok {
		return nil, common.ErrNotFound
	}
	if rng == nil {
		return data, nil
	}
	lo := rng.Offset
	if lo > int64(len(data)) {
		return nil, nil
	}
	hi := int64(len(data))
	if rng.Length >= 0 && lo+rng.Length < hi {
		hi = lo + rng.Length
	}
	return data[lo:hi], nil
}

func (b *memBackend) PutObject(ctx context.Context, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextCap++
	cap := fmt.Sprintf("URI:CHK:%d", b.nextCap)
	b.objects[cap] = append([]byte{}, data...)
	return cap, nil
}

func (b *memBackend) GetDir(ctx context.Context, ref string) ([]remote.DirEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.dirs[ref]
	if !ok {
		return nil, common.ErrNotFound
	}
	return entries, nil
}

func (b *memBackend) PutDir(ctx context.Context, ref string, entries []remote.DirEntry) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ref == "" {
		b.nextCap++
		ref = fmt.Sprintf("URI:DIR2:%d", b.nextCap)
	}
	b.dirs[ref] = append([]remote.DirEntry{}, entries...)
	return ref, nil
}

func (b *memBackend) Delete(ctx context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, ref)
	delete(b.objects, ref)
	delete(b.dirs, ref)
	return nil
}

func newEnv(t *testing.T) (*Env, *memBackend) {
	t.Helper()
	dir := t.TempDir()

	blocks, err := blockstore.New(dir, testBlockSize)
	require.NoError(t, err)
	inodes, err := inodestore.Open(filepath.Join(dir, "inodes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inodes.Close() })

	mr := miniredis.RunT(t)
	cs := coord.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cs.Close() })

	m, err := cachemgr.New(cachemgr.Config{BlockSize: testBlockSize, BlockTTL: time.Minute}, blocks, inodes, cs)
	require.NoError(t, err)

	pool := executor.New(executor.Options{Workers: 4})
	t.Cleanup(pool.Close)

	backend := &memBackend{objects: make(map[string][]byte), dirs: make(map[string][]remote.DirEntry)}
	engine := syncer.New(m, backend, cs, pool, syncer.Options{LockTTL: time.Minute})
	m.SetSync(engine, engine)
	m.OnDirty(engine.MarkDirty)

	env := &Env{Cache: m, Sync: engine, Handles: handle.NewTable(), Pool: pool}
	WireOrphanFinalizer(env)
	return env, backend
}

func mustCreate(t *testing.T, env *Env, parent int64, name string) *CreateReply {
	t.Helper()
	reply, err := Dispatch(context.Background(), env, &Create{
		Parent: parent, EntryName: name, Mode: 0644, Flags: os.O_RDWR,
	})
	require.NoError(t, err)
	return reply.(*CreateReply)
}

func TestCreateLookupGetattr(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)
	ctx := context.Background()

	cr := mustCreate(t, env, inodestore.RootIno, "x.txt")
	assert.True(t, cr.Inode.IsFile())
	assert.True(t, cr.Inode.MetaDirty(), "fresh inode awaits its first push")

	got, err := Dispatch(ctx, env, &Lookup{Parent: inodestore.RootIno, EntryName: "x.txt"})
	require.NoError(t, err)
	assert.Equal(t, cr.Inode.Ino, got.(*inodestore.Inode).Ino)

	attr, err := Dispatch(ctx, env, &Getattr{Ino: cr.Inode.Ino})
	require.NoError(t, err)
	assert.Equal(t, uint32(0644), attr.(*inodestore.Inode).Permissions())

	_, err = Dispatch(ctx, env, &Lookup{Parent: inodestore.RootIno, EntryName: "ghost"})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCreate_DuplicateRejected(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)

	mustCreate(t, env, inodestore.RootIno, "dup")
	_, err := Dispatch(context.Background(), env, &Create{
		Parent: inodestore.RootIno, EntryName: "dup", Mode: 0644,
	})
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestWriteRead(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)
	ctx := context.Background()

	cr := mustCreate(t, env, inodestore.RootIno, "f")
	data := []byte("the quick brown fox")

	wr, err := Dispatch(ctx, env, &Write{Handle: cr.Handle.ID, Offset: 0, Data: data})
	require.NoError(t, err)
	assert.Equal(t, len(data), wr.(*WriteReply).N)

	rd, err := Dispatch(ctx, env, &Read{Handle: cr.Handle.ID, Offset: 4, Size: 5})
	require.NoError(t, err)
	assert.Equal(t, []byte("quick"), rd.([]byte))

	// Reads are clamped to EOF.
	rd, err = Dispatch(ctx, env, &Read{Handle: cr.Handle.ID, Offset: 0, Size: 1000})
	require.NoError(t, err)
	assert.Equal(t, data, rd.([]byte))
}

func TestWrite_AppendResolvesOffset(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)
	ctx := context.Background()

	cr := mustCreate(t, env, inodestore.RootIno, "log")
	_, err := Dispatch(ctx, env, &Write{Handle: cr.Handle.ID, Offset: 0, Data: []byte("one")})
	require.NoError(t, err)

	ap, err := Dispatch(ctx, env, &Open{Ino: cr.Inode.Ino, Flags: os.O_WRONLY | os.O_APPEND})
	require.NoError(t, err)
	h := ap.(*handle.Handle)

	wr, err := Dispatch(ctx, env, &Write{Handle: h.ID, Offset: 0, Data: []byte("two")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), wr.(*WriteReply).Offset, "append lands at EOF regardless of the requested offset")

	rd, err := Dispatch(ctx, env, &Read{Handle: cr.Handle.ID, Offset: 0, Size: 100})
	require.NoError(t, err)
	assert.Equal(t, []byte("onetwo"), rd.([]byte))
}

func TestWrite_ReadOnlyHandleRejected(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)
	ctx := context.Background()

	cr := mustCreate(t, env, inodestore.RootIno, "ro")
	op, err := Dispatch(ctx, env, &Open{Ino: cr.Inode.Ino, Flags: os.O_RDONLY})
	require.NoError(t, err)

	_, err = Dispatch(ctx, env, &Write{Handle: op.(*handle.Handle).ID, Data: []byte("x")})
	assert.ErrorIs(t, err, common.ErrPermission)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)
	ctx := context.Background()

	cr := mustCreate(t, env, inodestore.RootIno, "t")
	_, err := Dispatch(ctx, env, &Write{Handle: cr.Handle.ID, Data: []byte("0123456789")})
	require.NoError(t, err)

	_, err = Dispatch(ctx, env, &Truncate{Ino: cr.Inode.Ino, Size: 4})
	require.NoError(t, err)

	rd, err := Dispatch(ctx, env, &Read{Handle: cr.Handle.ID, Offset: 0, Size: 100})
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), rd.([]byte))
}

func TestFsync_PushesUpstream(t *testing.T) {
	t.Parallel()
	env, backend := newEnv(t)
	ctx := context.Background()

	cr := mustCreate(t, env, inodestore.RootIno, "durable")
	_, err := Dispatch(ctx, env, &Write{Handle: cr.Handle.ID, Data: []byte("persisted")})
	require.NoError(t, err)

	_, err = Dispatch(ctx, env, &Fsync{Handle: cr.Handle.ID})
	require.NoError(t, err)

	inode, err := env.Cache.Inodes().Get(ctx, cr.Inode.Ino)
	require.NoError(t, err)
	require.NotEmpty(t, inode.RemoteRef)
	assert.Equal(t, []byte("persisted"), backend.objects[inode.RemoteRef])
	assert.False(t, inode.IsDirty())
}

func TestMkdirRmdir(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)
	ctx := context.Background()

	d, err := Dispatch(ctx, env, &Mkdir{Parent: inodestore.RootIno, EntryName: "a", Mode: 0755})
	require.NoError(t, err)
	dir := d.(*inodestore.Inode)
	assert.True(t, dir.IsDir())

	// Not empty yet.
	mustCreate(t, env, dir.Ino, "kid")
	_, err = Dispatch(ctx, env, &Rmdir{Parent: inodestore.RootIno, EntryName: "a"})
	assert.ErrorIs(t, err, common.ErrNotEmpty)

	_, err = Dispatch(ctx, env, &Unlink{Parent: dir.Ino, EntryName: "kid"})
	require.NoError(t, err)
	_, err = Dispatch(ctx, env, &Rmdir{Parent: inodestore.RootIno, EntryName: "a"})
	require.NoError(t, err)

	_, err = Dispatch(ctx, env, &Lookup{Parent: inodestore.RootIno, EntryName: "a"})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUnlink_OpenHandleKeepsBytes(t *testing.T) {
	t.Parallel()
	env, backend := newEnv(t)
	ctx := context.Background()

	cr := mustCreate(t, env, inodestore.RootIno, "held")
	_, err := Dispatch(ctx, env, &Write{Handle: cr.Handle.ID, Data: []byte("still here")})
	require.NoError(t, err)
	_, err = Dispatch(ctx, env, &Fsync{Handle: cr.Handle.ID})
	require.NoError(t, err)

	inode, err := env.Cache.Inodes().Get(ctx, cr.Inode.Ino)
	require.NoError(t, err)
	ref := inode.RemoteRef

	_, err = Dispatch(ctx, env, &Unlink{Parent: inodestore.RootIno, EntryName: "held"})
	require.NoError(t, err)

	// Gone from the directory.
	_, err = Dispatch(ctx, env, &Lookup{Parent: inodestore.RootIno, EntryName: "held"})
	assert.ErrorIs(t, err, common.ErrNotFound)

	// The held handle still reads bytes.
	rd, err := Dispatch(ctx, env, &Read{Handle: cr.Handle.ID, Offset: 0, Size: 100})
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), rd.([]byte))
	assert.Empty(t, backend.deletes, "no remote delete while a handle is open")

	// Last close triggers the remote delete.
	_, err = Dispatch(ctx, env, &Release{Handle: cr.Handle.ID})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		for _, d := range backend.deletes {
			if d == ref {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRename_ReplacesTarget(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)
	ctx := context.Background()

	src := mustCreate(t, env, inodestore.RootIno, "src")
	_, err := Dispatch(ctx, env, &Write{Handle: src.Handle.ID, Data: []byte("src data")})
	require.NoError(t, err)
	mustCreate(t, env, inodestore.RootIno, "dst")

	_, err = Dispatch(ctx, env, &Rename{
		OldParent: inodestore.RootIno, OldName: "src",
		NewParent: inodestore.RootIno, NewName: "dst",
	})
	require.NoError(t, err)

	got, err := Dispatch(ctx, env, &Lookup{Parent: inodestore.RootIno, EntryName: "dst"})
	require.NoError(t, err)
	assert.Equal(t, src.Inode.Ino, got.(*inodestore.Inode).Ino)

	_, err = Dispatch(ctx, env, &Lookup{Parent: inodestore.RootIno, EntryName: "src"})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestReaddir_SnapshotWithCursor(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)
	ctx := context.Background()

	for _, name := range []string{"c", "a", "b"} {
		mustCreate(t, env, inodestore.RootIno, name)
	}

	od, err := Dispatch(ctx, env, &Opendir{Ino: inodestore.RootIno})
	require.NoError(t, err)
	h := od.(*handle.Handle)

	// An entry created after opendir need not appear in this handle.
	mustCreate(t, env, inodestore.RootIno, "later")

	var names []string
	for {
		batch, err := Dispatch(ctx, env, &Readdir{Handle: h.ID, Max: 2})
		require.NoError(t, err)
		entries := batch.([]inodestore.DirEntry)
		if entries == nil {
			break
		}
		for _, e := range entries {
			names = append(names, e.Name)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	_, err = Dispatch(ctx, env, &Releasedir{Handle: h.ID})
	require.NoError(t, err)
}

func TestSymlinkReadlink(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)
	ctx := context.Background()

	s, err := Dispatch(ctx, env, &Symlink{Parent: inodestore.RootIno, EntryName: "ln", Target: "/a/x"})
	require.NoError(t, err)
	link := s.(*inodestore.Inode)
	assert.True(t, link.IsSymlink())

	target, err := Dispatch(ctx, env, &Readlink{Ino: link.Ino})
	require.NoError(t, err)
	assert.Equal(t, "/a/x", target.(string))

	cr := mustCreate(t, env, inodestore.RootIno, "plain")
	_, err = Dispatch(ctx, env, &Readlink{Ino: cr.Inode.Ino})
	assert.ErrorIs(t, err, common.ErrInvalidArg)
}

func TestSetattr_Chmod(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)
	ctx := context.Background()

	cr := mustCreate(t, env, inodestore.RootIno, "m")
	mode := uint32(0600)
	got, err := Dispatch(ctx, env, &Setattr{Ino: cr.Inode.Ino, Mode: &mode})
	require.NoError(t, err)
	inode := got.(*inodestore.Inode)
	assert.Equal(t, uint32(0600), inode.Permissions())
	assert.True(t, inode.IsFile(), "type bits survive chmod")
	assert.True(t, inode.MetaDirty())
}

func TestAccess_PermissionDenied(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)
	ctx := context.Background()

	// Open the root dir up, then create a 0600 file owned by uid 1000.
	rootMode := uint32(0777)
	_, err := Dispatch(ctx, env, &Setattr{Ino: inodestore.RootIno, Mode: &rootMode})
	require.NoError(t, err)

	reply, err := Dispatch(ctx, env, &Create{
		Parent: inodestore.RootIno, EntryName: "private", Mode: 0600, Uid: 1000, Gid: 1000,
	})
	require.NoError(t, err)
	cr := reply.(*CreateReply)

	_, err = Dispatch(ctx, env, &Open{Ino: cr.Inode.Ino, Flags: os.O_RDONLY, Uid: 2000, Gid: 2000})
	assert.ErrorIs(t, err, common.ErrPermission)

	_, err = Dispatch(ctx, env, &Open{Ino: cr.Inode.Ino, Flags: os.O_RDONLY, Uid: 1000, Gid: 1000})
	assert.NoError(t, err)
}

func TestStatfs(t *testing.T) {
	t.Parallel()
	env, _ := newEnv(t)

	got, err := Dispatch(context.Background(), env, &Statfs{})
	require.NoError(t, err)
	reply := got.(*StatfsReply)
	assert.Equal(t, int64(testBlockSize), reply.BlockSize)
}
