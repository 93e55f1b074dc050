package inodestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riverfs/internal/common"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "inodes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFileInode(parent int64, name string) *Inode {
	now := time.Now()
	return &Inode{
		Mode:      DefaultFileMode,
		Nlink:     1,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		ParentIno: parent,
		Name:      name,
	}
}

func TestOpen_CreatesRoot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	root, err := s.Get(context.Background(), RootIno)
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.Equal(t, int32(2), root.Nlink)
	assert.Equal(t, int64(1), root.Version)
}

func TestInsert_AssignsMonotonicIno(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := newFileInode(RootIno, "a")
	require.NoError(t, s.Insert(ctx, a))
	b := newFileInode(RootIno, "b")
	require.NoError(t, s.Insert(ctx, b))

	assert.Greater(t, a.Ino, int64(RootIno))
	assert.Greater(t, b.Ino, a.Ino, "ino assignment is monotonic")
}

func TestInsert_DuplicateName(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, newFileInode(RootIno, "dup")))
	err := s.Insert(ctx, newFileInode(RootIno, "dup"))
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestGetByPath(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	in := newFileInode(RootIno, "x")
	require.NoError(t, s.Insert(ctx, in))

	got, err := s.GetByPath(ctx, RootIno, "x")
	require.NoError(t, err)
	assert.Equal(t, in.Ino, got.Ino)

	_, err = s.GetByPath(ctx, RootIno, "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUpdate_CASOnVersion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	in := newFileInode(RootIno, "f")
	require.NoError(t, s.Insert(ctx, in))

	in.Size = 42
	in.Version = 2
	require.NoError(t, s.Update(ctx, in, 1))

	// A second update against the old version must fail STALE.
	in.Size = 99
	in.Version = 3
	err := s.Update(ctx, in, 1)
	assert.ErrorIs(t, err, common.ErrStale)

	got, err := s.Get(ctx, in.Ino)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Size)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdate_VersionStrictlyIncreases(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	in := newFileInode(RootIno, "p5")
	require.NoError(t, s.Insert(ctx, in))

	last := in.Version
	for i := 0; i < 5; i++ {
		cur, err := s.Get(ctx, in.Ino)
		require.NoError(t, err)
		cur.Mtime = time.Now()
		cur.Version++
		require.NoError(t, s.Update(ctx, cur, cur.Version-1))
		assert.Greater(t, cur.Version, last)
		last = cur.Version
	}
}

func TestReplaceChildren_Atomic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	dirIn := &Inode{Mode: DefaultDirMode, Nlink: 2, ParentIno: RootIno, Name: "d",
		Atime: time.Now(), Mtime: time.Now(), Ctime: time.Now()}
	require.NoError(t, s.Insert(ctx, dirIn))

	a := newFileInode(dirIn.Ino, "a")
	require.NoError(t, s.Insert(ctx, a))
	b := newFileInode(dirIn.Ino, "b")
	require.NoError(t, s.Insert(ctx, b))

	require.NoError(t, s.ReplaceChildren(ctx, dirIn.Ino, []Dentry{
		{ParentIno: dirIn.Ino, Name: "b", Ino: b.Ino},
		{ParentIno: dirIn.Ino, Name: "c", Ino: a.Ino},
	}))

	entries, err := s.ListChildren(ctx, dirIn.Ino)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Name)
	assert.Equal(t, "c", entries[1].Name)
}

func TestRename_ReplacesTarget(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	src := newFileInode(RootIno, "src")
	require.NoError(t, s.Insert(ctx, src))
	dst := newFileInode(RootIno, "dst")
	require.NoError(t, s.Insert(ctx, dst))

	replaced, err := s.Rename(ctx, RootIno, "src", RootIno, "dst")
	require.NoError(t, err)
	assert.Equal(t, dst.Ino, replaced)

	got, err := s.GetByPath(ctx, RootIno, "dst")
	require.NoError(t, err)
	assert.Equal(t, src.Ino, got.Ino)

	_, err = s.GetByPath(ctx, RootIno, "src")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRename_MissingSource(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Rename(context.Background(), RootIno, "ghost", RootIno, "new")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestUnlinkAndDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	in := newFileInode(RootIno, "gone")
	require.NoError(t, s.Insert(ctx, in))

	require.NoError(t, s.Unlink(ctx, RootIno, "gone"))
	assert.ErrorIs(t, s.Unlink(ctx, RootIno, "gone"), common.ErrNotFound)

	require.NoError(t, s.Delete(ctx, in.Ino))
	_, err := s.Get(ctx, in.Ino)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestListDirty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	clean := newFileInode(RootIno, "clean")
	require.NoError(t, s.Insert(ctx, clean))

	dirty := newFileInode(RootIno, "dirty")
	dirty.DirtyMask = DirtyData
	require.NoError(t, s.Insert(ctx, dirty))

	inos, err := s.ListDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{dirty.Ino}, inos)
}

func TestHasChildren(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	dirIn := &Inode{Mode: DefaultDirMode, Nlink: 2, ParentIno: RootIno, Name: "sub",
		Atime: time.Now(), Mtime: time.Now(), Ctime: time.Now()}
	require.NoError(t, s.Insert(ctx, dirIn))

	empty, err := s.HasChildren(ctx, dirIn.Ino)
	require.NoError(t, err)
	assert.False(t, empty)

	require.NoError(t, s.Insert(ctx, newFileInode(dirIn.Ino, "kid")))
	has, err := s.HasChildren(ctx, dirIn.Ino)
	require.NoError(t, err)
	assert.True(t, has)
}
