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

package inodestore

import (
	"database/sql"
	"time"

	"github.com/uptrace/bun"
)

// InodeModel represents the inodes table.
// Times are stored as Unix timestamps in the database.
type InodeModel struct {
	bun.BaseModel `bun:"table:inodes"`

	Ino           int64          `bun:"ino,pk,autoincrement"`
	Mode          int64          `bun:"mode,notnull"`
	UID           int64          `bun:"uid,notnull"`
	GID           int64          `bun:"gid,notnull"`
	Size          int64          `bun:"size,notnull"`
	Atime         int64          `bun:"atime,notnull"`
	Mtime         int64          `bun:"mtime,notnull"`
	Ctime         int64          `bun:"ctime,notnull"`
	Nlink         int64          `bun:"nlink,notnull"`
	RemoteRef     sql.NullString `bun:"remote_ref"`
	ParentIno     sql.NullInt64  `bun:"parent_ino"`
	Name          string         `bun:"name,notnull"`
	SymlinkTarget string         `bun:"symlink_target,notnull"`
	Version       int64          `bun:"version,notnull"`
	DirtyMask     int64          `bun:"dirty_mask,notnull"`
	LastSyncTS    int64          `bun:"last_sync_ts,notnull"`
}

// ToInode converts an InodeModel to the domain Inode struct.
func (m *InodeModel) ToInode() *Inode {
	i := &Inode{
		Ino:           m.Ino,
		Mode:          uint32(m.Mode),
		Uid:           uint32(m.UID),
		Gid:           uint32(m.GID),
		Size:          m.Size,
		Atime:         time.Unix(m.Atime, 0),
		Mtime:         time.Unix(m.Mtime, 0),
		Ctime:         time.Unix(m.Ctime, 0),
		Nlink:         int32(m.Nlink),
		Name:          m.Name,
		SymlinkTarget: m.SymlinkTarget,
		Version:       m.Version,
		DirtyMask:     int(m.DirtyMask),
		LastSyncTS:    time.Unix(m.LastSyncTS, 0),
	}
	if m.RemoteRef.Valid {
		i.RemoteRef = m.RemoteRef.String
	}
	if m.ParentIno.Valid {
		i.ParentIno = m.ParentIno.Int64
	}
	return i
}

// modelFromInode converts a domain Inode to its row form.
func modelFromInode(i *Inode) *InodeModel {
	m := &InodeModel{
		Ino:           i.Ino,
		Mode:          int64(i.Mode),
		UID:           int64(i.Uid),
		GID:           int64(i.Gid),
		Size:          i.Size,
		Atime:         i.Atime.Unix(),
		Mtime:         i.Mtime.Unix(),
		Ctime:         i.Ctime.Unix(),
		Nlink:         int64(i.Nlink),
		Name:          i.Name,
		SymlinkTarget: i.SymlinkTarget,
		Version:       i.Version,
		DirtyMask:     int64(i.DirtyMask),
		LastSyncTS:    i.LastSyncTS.Unix(),
	}
	if i.RemoteRef != "" {
		m.RemoteRef = sql.NullString{String: i.RemoteRef, Valid: true}
	}
	if i.ParentIno != 0 {
		m.ParentIno = sql.NullInt64{Int64: i.ParentIno, Valid: true}
	}
	return m
}

// DentryModel represents the dentries table.
type DentryModel struct {
	bun.BaseModel `bun:"table:dentries"`

	ParentIno int64  `bun:"parent_ino,pk"`
	Name      string `bun:"name,pk"`
	Ino       int64  `bun:"ino,notnull"`
}

// SchemaInfoModel represents the schema_info table.
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}
