package inodestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"riverfs/internal/common"
	"riverfs/internal/util"
)

// Store is the durable map over Inode rows and directory entries,
// transactional at the granularity of a single inode. Update is
// compare-and-set on version.
type Store struct {
	path  string
	sqlDB *sql.DB
	db    *bun.DB
}

// Open opens (creating if needed) the inode store at the given path.
// The URL form accepted is a plain filesystem path or file: DSN.
func Open(url string) (*Store, error) {
	path := strings.TrimPrefix(url, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	sqlDB, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening inode store %s: %w", path, err)
	}
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	// Create schema (execute statements individually for libsql compatibility)
	if err := execStatements(sqlDB, storeSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := execStatements(sqlDB, initRoot, SchemaVersion, int64(DefaultDirMode)); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("initializing root: %w", err)
	}

	return &Store{
		path:  path,
		sqlDB: sqlDB,
		db:    bun.NewDB(sqlDB, sqlitedialect.New()),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves an inode by id.
func (s *Store) Get(ctx context.Context, ino int64) (*Inode, error) {
	var m InodeModel
	err := s.db.NewSelect().
		Model(&m).
		Where("ino = ?", ino).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.ToInode(), nil
}

// GetByPath resolves (parent, name) through the dentry table and returns
// the child inode. Directory block content is never consulted.
func (s *Store) GetByPath(ctx context.Context, parentIno int64, name string) (*Inode, error) {
	var m InodeModel
	err := s.db.NewRaw(`
		SELECT i.*
		FROM dentries d
		INNER JOIN inodes i ON i.ino = d.ino
		WHERE d.parent_ino = ? AND d.name = ?
	`, parentIno, name).Scan(ctx, &m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.ToInode(), nil
}

// Insert stores a new inode and its dentry, assigning a monotonic ino.
// The assigned id and initial version are written back into inode.
func (s *Store) Insert(ctx context.Context, inode *Inode) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if inode.Version == 0 {
			inode.Version = 1
		}
		m := modelFromInode(inode)
		m.Ino = 0
		// RETURNING because libsql doesn't support LastInsertId.
		if _, err := tx.NewInsert().
			Model(m).
			Returning("ino").
			Exec(ctx); err != nil {
			return err
		}
		inode.Ino = m.Ino

		if inode.ParentIno != 0 {
			_, err := tx.NewInsert().
				Model(&DentryModel{ParentIno: inode.ParentIno, Name: inode.Name, Ino: inode.Ino}).
				Exec(ctx)
			if err != nil {
				if isUniqueViolation(err) {
					return common.ErrExists
				}
				return err
			}
		}
		return nil
	})
}

// Update writes an inode row conditional on expectedVersion. The row's
// version becomes inode.Version (the caller bumps it). Zero rows
// affected means the on-disk version moved: ErrStale.
func (s *Store) Update(ctx context.Context, inode *Inode, expectedVersion int64) error {
	return util.Retry(ctx, func() error {
		m := modelFromInode(inode)
		res, err := s.db.NewUpdate().
			Model(m).
			Column("mode", "uid", "gid", "size", "atime", "mtime", "ctime",
				"nlink", "remote_ref", "parent_ino", "name", "symlink_target",
				"version", "dirty_mask", "last_sync_ts").
			Where("ino = ?", inode.Ino).
			Where("version = ?", expectedVersion).
			Exec(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Distinguish a vanished inode from a version race.
			if _, gerr := s.Get(ctx, inode.Ino); errors.Is(gerr, common.ErrNotFound) {
				return common.ErrNotFound
			}
			return fmt.Errorf("%w: inode %d expected version %d", common.ErrStale, inode.Ino, expectedVersion)
		}
		return nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// Delete removes an inode row and any dentry pointing at it.
func (s *Store) Delete(ctx context.Context, ino int64) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*DentryModel)(nil)).
			Where("ino = ?", ino).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*InodeModel)(nil)).
			Where("ino = ?", ino).
			Exec(ctx)
		return err
	})
}

// ListChildren returns a directory's entries, name-ordered.
func (s *Store) ListChildren(ctx context.Context, parentIno int64) ([]DirEntry, error) {
	type rawEntry struct {
		Name  string
		Ino   int64
		Mode  int64
		Size  int64
		Mtime int64
	}
	var raw []rawEntry
	err := s.db.NewRaw(`
		SELECT d.name, d.ino, i.mode, i.size, i.mtime
		FROM dentries d
		INNER JOIN inodes i ON i.ino = d.ino
		WHERE d.parent_ino = ?
		ORDER BY d.name
	`, parentIno).Scan(ctx, &raw)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, len(raw))
	for i, r := range raw {
		entries[i] = DirEntry{
			Name:  r.Name,
			Ino:   r.Ino,
			Mode:  uint32(r.Mode),
			Size:  r.Size,
			Mtime: time.Unix(r.Mtime, 0),
		}
	}
	return entries, nil
}

// HasChildren reports whether a directory has any entry. Short-circuits
// instead of materializing the listing.
func (s *Store) HasChildren(ctx context.Context, parentIno int64) (bool, error) {
	return s.db.NewSelect().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Exists(ctx)
}

// ReplaceChildren atomically swaps a parent's entry set. Readers see the
// full old set or the full new set, never a mix.
func (s *Store) ReplaceChildren(ctx context.Context, parentIno int64, entries []Dentry) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*DentryModel)(nil)).
			Where("parent_ino = ?", parentIno).
			Exec(ctx); err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := tx.NewInsert().
				Model(&DentryModel{ParentIno: parentIno, Name: e.Name, Ino: e.Ino}).
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// Link inserts a dentry for an existing inode.
func (s *Store) Link(ctx context.Context, parentIno int64, name string, ino int64) error {
	_, err := s.db.NewInsert().
		Model(&DentryModel{ParentIno: parentIno, Name: name, Ino: ino}).
		Exec(ctx)
	if isUniqueViolation(err) {
		return common.ErrExists
	}
	return err
}

// Unlink removes a single dentry. Missing entries report ErrNotFound.
func (s *Store) Unlink(ctx context.Context, parentIno int64, name string) error {
	res, err := s.db.NewDelete().
		Model((*DentryModel)(nil)).
		Where("parent_ino = ?", parentIno).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// Rename atomically moves a dentry, replacing any existing target per
// POSIX. Single transaction; the replaced inode id (0 if none) is
// returned so the caller can drop its nlink.
func (s *Store) Rename(ctx context.Context, oldParent int64, oldName string, newParent int64, newName string) (replaced int64, err error) {
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var src DentryModel
		err := tx.NewSelect().
			Model(&src).
			Where("parent_ino = ?", oldParent).
			Where("name = ?", oldName).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrNotFound
		}
		if err != nil {
			return err
		}

		var dst DentryModel
		err = tx.NewSelect().
			Model(&dst).
			Where("parent_ino = ?", newParent).
			Where("name = ?", newName).
			Scan(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// nothing to replace
		case err != nil:
			return err
		default:
			replaced = dst.Ino
			if _, err := tx.NewDelete().
				Model((*DentryModel)(nil)).
				Where("parent_ino = ?", newParent).
				Where("name = ?", newName).
				Exec(ctx); err != nil {
				return err
			}
		}

		if _, err := tx.NewDelete().
			Model((*DentryModel)(nil)).
			Where("parent_ino = ?", oldParent).
			Where("name = ?", oldName).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewInsert().
			Model(&DentryModel{ParentIno: newParent, Name: newName, Ino: src.Ino}).
			Exec(ctx); err != nil {
			return err
		}
		// Keep the inode's own back-reference consistent.
		_, err = tx.NewUpdate().
			Model((*InodeModel)(nil)).
			Set("parent_ino = ?", newParent).
			Set("name = ?", newName).
			Set("version = version + 1").
			Where("ino = ?", src.Ino).
			Exec(ctx)
		return err
	})
	return replaced, err
}

// ListDirty returns the ids of all inodes with a non-clean dirty mask.
// Used by the dirty flusher and the startup sweep.
func (s *Store) ListDirty(ctx context.Context) ([]int64, error) {
	var inos []int64
	err := s.db.NewRaw(`SELECT ino FROM inodes WHERE dirty_mask != 0 ORDER BY ino`).Scan(ctx, &inos)
	return inos, err
}

// Exists reports whether an inode row exists.
func (s *Store) Exists(ctx context.Context, ino int64) (bool, error) {
	return s.db.NewSelect().
		Model((*InodeModel)(nil)).
		Where("ino = ?", ino).
		Exists(ctx)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint violation")
}
