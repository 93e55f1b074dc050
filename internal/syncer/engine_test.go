package syncer

import (
	"context"
	"fmt"
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
	"riverfs/internal/inodestore"
	"riverfs/internal/remote"
)

const testBlockSize = 4096

// memBackend is an in-memory capability store.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	dirs    map[string][]remote.DirEntry
	nextCap int

	// onPut runs inside PutObject, before the new cap is returned. Used
	// to race out-of-band mutations against a push.
	onPut func()

	puts    int
	deletes []string
	fail    bool
}

func newMemBackend() *memBackend {
	return &memBackend{
		objects: make(map[string][]byte),
		dirs:    make(map[string][]remote.DirEntry),
	}
}

func (b *memBackend) newCap(kind string) string {
	b.nextCap++
	return fmt.Sprintf("URI:%s:%d", kind, b.nextCap)
}

func (b *memBackend) addObject(data []byte) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	cap := b.newCap("CHK")
	b.objects[cap] = data
	return cap
}

func (b *memBackend) GetObject(ctx context.Context, ref string, rng *remote.ByteRange) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return nil, common.ErrBackendUnavailable
	}
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
	if b.fail {
		b.mu.Unlock()
		return "", common.ErrBackendUnavailable
	}
	onPut := b.onPut
	b.puts++
	cap := b.newCap("CHK")
	b.objects[cap] = append([]byte{}, data...)
	b.mu.Unlock()
	if onPut != nil {
		onPut()
	}
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
		ref = b.newCap("DIR2")
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

type fixture struct {
	engine  *Engine
	cache   *cachemgr.Manager
	store   *inodestore.Store
	backend *memBackend
	coord   *coord.Store
}

func newFixture(t *testing.T) *fixture {
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

	m, err := cachemgr.New(cachemgr.Config{
		BlockSize: testBlockSize,
		BlockTTL:  time.Minute,
	}, blocks, inodes, cs)
	require.NoError(t, err)

	pool := executor.New(executor.Options{Workers: 4})
	t.Cleanup(pool.Close)

	backend := newMemBackend()
	engine := New(m, backend, cs, pool, Options{LockTTL: time.Minute, PushAttempts: 5})
	m.SetSync(engine, engine)
	m.OnDirty(engine.MarkDirty)

	return &fixture{engine: engine, cache: m, store: inodes, backend: backend, coord: cs}
}

func (f *fixture) newFile(t *testing.T, name string, size int64, ref string) *inodestore.Inode {
	t.Helper()
	now := time.Now()
	in := &inodestore.Inode{
		Mode: inodestore.DefaultFileMode, Nlink: 1,
		Atime: now, Mtime: now, Ctime: now,
		ParentIno: inodestore.RootIno, Name: name,
		Size: size, RemoteRef: ref,
	}
	require.NoError(t, f.store.Insert(context.Background(), in))
	return in
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func TestPull_ReadThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	content := pattern(testBlockSize + 500)
	ref := f.backend.addObject(content)
	in := f.newFile(t, "remote", int64(len(content)), ref)

	got, err := f.cache.ReadRange(context.Background(), in.Ino, 0, int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, content, got, "cold-cache read returns the remote content")

	// Pull completion bumps the version.
	cur, err := f.store.Get(context.Background(), in.Ino)
	require.NoError(t, err)
	assert.Greater(t, cur.Version, in.Version)
}

func TestPush_CleanInodeIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.newFile(t, "clean", 4, "URI:CHK:already")

	require.NoError(t, f.engine.PushUpstream(context.Background(), in.Ino))
	assert.Zero(t, f.backend.puts, "push of a clean inode uploads nothing")
}

func TestPush_RoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.newFile(t, "rt", 0, "")

	data := pattern(testBlockSize * 2)
	_, err := f.cache.WriteRange(context.Background(), in.Ino, 0, data)
	require.NoError(t, err)
	assert.Equal(t, StateDirty, f.engine.SyncState(in.Ino))

	require.NoError(t, f.engine.PushUpstream(context.Background(), in.Ino))

	cur, err := f.store.Get(context.Background(), in.Ino)
	require.NoError(t, err)
	require.NotEmpty(t, cur.RemoteRef)
	assert.False(t, cur.IsDirty())
	assert.Equal(t, data, f.backend.objects[cur.RemoteRef])
	assert.Equal(t, StateIdle, f.engine.SyncState(in.Ino))

	// Blocks are clean now: eligible eviction victims.
	infos, err := f.cache.Blocks().Iterate(in.Ino)
	require.NoError(t, err)
	for _, b := range infos {
		assert.False(t, b.Dirty)
	}
}

func TestPush_SingleWriterPerInode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.newFile(t, "locked", 0, "")
	_, err := f.cache.WriteRange(context.Background(), in.Ino, 0, []byte("x"))
	require.NoError(t, err)

	// Simulate an in-flight push holding the exclusive lock.
	ctx := context.Background()
	_, err = f.coord.Acquire(ctx, pushLockKey(in.Ino), time.Minute)
	require.NoError(t, err)

	err = f.engine.PushUpstream(ctx, in.Ino)
	assert.ErrorIs(t, err, common.ErrBusy)
}

func TestPush_StaleRebaseLWW(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	remoteContent := pattern(testBlockSize)
	ref := f.backend.addObject(remoteContent)
	in := f.newFile(t, "conflict", int64(len(remoteContent)), ref)

	// Local write to byte 0, staged dirty.
	_, err := f.cache.WriteRange(context.Background(), in.Ino, 0, []byte{0xAA})
	require.NoError(t, err)

	// Out-of-band mutation: the first upload races with a version bump,
	// as if an invalidation-triggered pull completed mid-push.
	raced := false
	f.backend.onPut = func() {
		if raced {
			return
		}
		raced = true
		cur, err := f.store.Get(context.Background(), in.Ino)
		require.NoError(t, err)
		newRef := f.backend.addObject(pattern(testBlockSize))
		cur.RemoteRef = newRef
		cur.Version++
		require.NoError(t, f.store.Update(context.Background(), cur, cur.Version-1))
	}

	require.NoError(t, f.engine.PushUpstream(context.Background(), in.Ino))

	cur, err := f.store.Get(context.Background(), in.Ino)
	require.NoError(t, err)
	assert.False(t, cur.IsDirty())

	// Local writer won: byte 0 carries the local write, the rest is the
	// rebased remote content.
	final := f.backend.objects[cur.RemoteRef]
	require.Len(t, final, testBlockSize)
	assert.Equal(t, byte(0xAA), final[0])
}

func TestPushDir_UploadsNewChildrenFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Root is dirty with a brand-new child that has never been pushed.
	child := f.newFile(t, "note.txt", 0, "")
	_, err := f.cache.WriteRange(ctx, child.Ino, 0, []byte("hello"))
	require.NoError(t, err)

	root, err := f.store.Get(ctx, inodestore.RootIno)
	require.NoError(t, err)
	root.DirtyMask |= inodestore.DirtyMeta
	root.Version++
	require.NoError(t, f.store.Update(ctx, root, root.Version-1))

	require.NoError(t, f.engine.PushUpstream(ctx, inodestore.RootIno))

	rootNow, err := f.store.Get(ctx, inodestore.RootIno)
	require.NoError(t, err)
	require.NotEmpty(t, rootNow.RemoteRef)

	entries := f.backend.dirs[rootNow.RemoteRef]
	require.Len(t, entries, 1)
	assert.Equal(t, "note.txt", entries[0].Name)
	require.NotEmpty(t, entries[0].Ref)
	assert.Equal(t, []byte("hello"), f.backend.objects[entries[0].Ref])
}

func TestPullDir_ReplacesChildrenAndDiscovers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	fileRef := f.backend.addObject([]byte("remote file"))
	dirRef, err := f.backend.PutDir(ctx, "", []remote.DirEntry{
		{Name: "seen.txt", Ref: fileRef, Kind: remote.KindFile, Size: 11},
		{Name: "sub", Ref: "URI:DIR2:sub", Kind: remote.KindDir},
	})
	require.NoError(t, err)

	root, err := f.store.Get(ctx, inodestore.RootIno)
	require.NoError(t, err)
	root.RemoteRef = dirRef
	root.Version++
	require.NoError(t, f.store.Update(ctx, root, root.Version-1))

	require.NoError(t, f.engine.PullDownstream(ctx, inodestore.RootIno, cachemgr.BlockRange{}))

	children, err := f.store.ListChildren(ctx, inodestore.RootIno)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "seen.txt", children[0].Name)
	assert.Equal(t, "sub", children[1].Name)

	seen, err := f.store.GetByPath(ctx, inodestore.RootIno, "seen.txt")
	require.NoError(t, err)
	assert.Equal(t, fileRef, seen.RemoteRef)
	assert.Equal(t, int64(11), seen.Size)
	assert.True(t, seen.IsFile())

	sub, err := f.store.GetByPath(ctx, inodestore.RootIno, "sub")
	require.NoError(t, err)
	assert.True(t, sub.IsDir())
}

func TestPush_BackendDownLeavesDirtyQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.newFile(t, "queued", 0, "")
	_, err := f.cache.WriteRange(context.Background(), in.Ino, 0, []byte("acked"))
	require.NoError(t, err)

	f.backend.fail = true
	err = f.engine.PushUpstream(context.Background(), in.Ino)
	require.Error(t, err)

	// The acknowledged write is still local and still dirty.
	cur, err := f.store.Get(context.Background(), in.Ino)
	require.NoError(t, err)
	assert.True(t, cur.IsDirty())

	f.backend.fail = false
	require.NoError(t, f.engine.PushUpstream(context.Background(), in.Ino))
	cur, err = f.store.Get(context.Background(), in.Ino)
	require.NoError(t, err)
	assert.False(t, cur.IsDirty())
	assert.Equal(t, []byte("acked"), f.backend.objects[cur.RemoteRef])
}

func TestDeleteUpstream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	in := f.newFile(t, "doomed", 0, "")
	_, err := f.cache.WriteRange(ctx, in.Ino, 0, []byte("bye"))
	require.NoError(t, err)
	require.NoError(t, f.engine.PushUpstream(ctx, in.Ino))

	cur, err := f.store.Get(ctx, in.Ino)
	require.NoError(t, err)
	ref := cur.RemoteRef

	require.NoError(t, f.engine.DeleteUpstream(ctx, in.Ino))
	assert.Contains(t, f.backend.deletes, ref)

	_, err = f.store.Get(ctx, in.Ino)
	assert.ErrorIs(t, err, common.ErrNotFound)

	infos, err := f.cache.Blocks().Iterate(in.Ino)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestHookTriad_Order(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.newFile(t, "hooked", 0, "")
	_, err := f.cache.WriteRange(context.Background(), in.Ino, 0, []byte("x"))
	require.NoError(t, err)

	var order []string
	f.engine.BeforePush(func(ctx context.Context, ino int64) error {
		order = append(order, "before")
		return nil
	})
	f.engine.AfterPush(func(ctx context.Context, ino int64) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, f.engine.PushUpstream(context.Background(), in.Ino))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestHookTriad_BeforeErrorAborts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := f.newFile(t, "abort", 0, "")
	_, err := f.cache.WriteRange(context.Background(), in.Ino, 0, []byte("x"))
	require.NoError(t, err)

	f.engine.BeforePush(func(ctx context.Context, ino int64) error {
		return fmt.Errorf("veto")
	})
	err = f.engine.PushUpstream(context.Background(), in.Ino)
	require.Error(t, err)
	assert.Zero(t, f.backend.puts)
}
