package cachemgr

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"riverfs/internal/common"
	"riverfs/internal/inodestore"
)

// StateSchemaVersion is the persisted state.json schema version.
const StateSchemaVersion = 1

// stateFileName sits directly under cache_root.
const stateFileName = "state.json"

// State is the persisted mount state marker. A missing file or a false
// CleanShutdown triggers the startup consistency sweep.
type State struct {
	SchemaVersion int   `json:"schema_version"`
	CleanShutdown bool  `json:"clean_shutdown"`
	LastMountTS   int64 `json:"last_mount_ts"`
}

func statePath(cacheRoot string) string {
	return filepath.Join(cacheRoot, stateFileName)
}

// LoadState reads cache_root/state.json. A missing file returns nil.
func LoadState(cacheRoot string) (*State, error) {
	data, err := os.ReadFile(statePath(cacheRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// Unreadable state is the same as no state: sweep.
		log.Warnf("unreadable %s: %v", stateFileName, err)
		return nil, nil
	}
	return &st, nil
}

// WriteState persists the mount state marker.
func WriteState(cacheRoot string, clean bool) error {
	st := State{
		SchemaVersion: StateSchemaVersion,
		CleanShutdown: clean,
		LastMountTS:   time.Now().Unix(),
	}
	data, err := json.Marshal(&st)
	if err != nil {
		return err
	}
	tmp := statePath(cacheRoot) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, statePath(cacheRoot))
}

// SweepReport summarizes what the startup sweep found and fixed.
type SweepReport struct {
	Orphans      []int64 // blocks with no inode row, removed
	Replanned    []int64 // inodes whose dirty blocks regained an upstream plan
	Purged       int     // corrupt blocks purged
}

// Sweep restores consistency after an unclean shutdown: every block on
// disk must have an inode row, every dirty block must have a pending
// upstream plan, every orphan is removed. Locally acknowledged writes
// survive: dirty blocks are never discarded, only re-planned.
func (m *Manager) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	inos, err := m.blocks.Inodes()
	if err != nil {
		return nil, err
	}

	for _, ino := range inos {
		exists, err := m.inodes.Exists(ctx, ino)
		if err != nil {
			return nil, err
		}
		if !exists {
			log.Infof("sweep: removing orphan blocks of inode %d", ino)
			if err := m.blocks.RemoveAll(ino); err != nil {
				return nil, err
			}
			report.Orphans = append(report.Orphans, ino)
			continue
		}

		infos, err := m.blocks.Iterate(ino)
		if err != nil {
			return nil, err
		}
		hasDirty := false
		for _, b := range infos {
			// Validate each block is readable; corrupt ones are purged
			// by ReadBlock itself and re-fetched on demand.
			if _, _, err := m.blocks.ReadBlock(ino, b.Index); err != nil {
				if errors.Is(err, common.ErrCorrupt) {
					report.Purged++
					continue
				}
				if !errors.Is(err, common.ErrNotFound) {
					return nil, err
				}
			}
			if b.Dirty {
				hasDirty = true
			}
			m.touch(ino, b.Index, b.Length)
		}

		if hasDirty {
			if err := m.ensureDirtyPlan(ctx, ino); err != nil {
				return nil, err
			}
			report.Replanned = append(report.Replanned, ino)
		}
	}

	return report, nil
}

// ensureDirtyPlan makes sure an inode with dirty blocks carries a dirty
// mask, so the flusher will push it.
func (m *Manager) ensureDirtyPlan(ctx context.Context, ino int64) error {
	return m.WithInodeLock(ino, func() error {
		inode, err := m.inodes.Get(ctx, ino)
		if err != nil {
			return err
		}
		if inode.DataDirty() {
			return nil
		}
		inode.DirtyMask |= inodestore.DirtyData
		inode.Version++
		return m.inodes.Update(ctx, inode, inode.Version-1)
	})
}
