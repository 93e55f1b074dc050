package inodestore

import "time"

// Inode is the logical identity of a filesystem object, independent of
// any name.
type Inode struct {
	Ino           int64
	Mode          uint32
	Uid           uint32
	Gid           uint32
	Size          int64
	Atime         time.Time
	Mtime         time.Time
	Ctime         time.Time
	Nlink         int32
	RemoteRef     string // empty until first push
	ParentIno     int64  // 0 for root
	Name          string // name in parent
	SymlinkTarget string
	Version       int64
	DirtyMask     int
	LastSyncTS    time.Time
}

// IsDir returns true if the inode is a directory.
func (i *Inode) IsDir() bool {
	return i.Mode&ModeMask == ModeDir
}

// IsFile returns true if the inode is a regular file.
func (i *Inode) IsFile() bool {
	return i.Mode&ModeMask == ModeFile
}

// IsSymlink returns true if the inode is a symbolic link.
func (i *Inode) IsSymlink() bool {
	return i.Mode&ModeMask == ModeSymlink
}

// IsDirty reports whether any dirty bit is set.
func (i *Inode) IsDirty() bool {
	return i.DirtyMask != DirtyNone
}

// DataDirty reports whether block content needs pushing.
func (i *Inode) DataDirty() bool {
	return i.DirtyMask&DirtyData != 0
}

// MetaDirty reports whether metadata needs pushing.
func (i *Inode) MetaDirty() bool {
	return i.DirtyMask&DirtyMeta != 0
}

// Permissions returns the permission bits.
func (i *Inode) Permissions() uint32 {
	return i.Mode & 0777
}

// Dentry represents a directory entry row.
type Dentry struct {
	ParentIno int64
	Name      string
	Ino       int64
}

// DirEntry represents a directory entry with full info for listing.
type DirEntry struct {
	Name  string
	Ino   int64
	Mode  uint32
	Size  int64
	Mtime time.Time
}
