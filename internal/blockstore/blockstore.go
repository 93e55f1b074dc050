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

// Package blockstore keeps fixed-size cache blocks as regular files, one
// per (inode, block index), each with a metadata sidecar.
package blockstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"riverfs/internal/common"
)

// Sidecar holds per-block metadata, stored as JSON next to the block file.
type Sidecar struct {
	Length       int64  `json:"length"`
	Dirty        bool   `json:"dirty"`
	Present      bool   `json:"present"`
	LastAccessTS int64  `json:"last_access_ts"`
	Checksum     string `json:"checksum,omitempty"`
	// Version is the inode version under which the block was last
	// written. MarkClean fences on it so a push cannot clean data it
	// never uploaded.
	Version int64 `json:"version"`
}

// BlockInfo is a present block reported by Iterate.
type BlockInfo struct {
	Ino   int64
	Index int64
	Sidecar
}

// Store manages block files under root/blocks/<shard>/<ino>/<idx>.
type Store struct {
	root      string
	blockSize int64

	// mu serializes sidecar read-modify-write per store. Block payload
	// writes are additionally serialized per inode by CacheManager.
	mu sync.Mutex

	totalBytes int64
}

// New opens (creating if needed) a block store rooted at cacheRoot.
func New(cacheRoot string, blockSize int64) (*Store, error) {
	s := &Store{
		root:      filepath.Join(cacheRoot, "blocks"),
		blockSize: blockSize,
	}
	if err := os.MkdirAll(s.root, 0700); err != nil {
		return nil, err
	}
	total, err := s.scanTotal()
	if err != nil {
		return nil, err
	}
	s.totalBytes = total
	return s, nil
}

// BlockSize returns the configured block size.
func (s *Store) BlockSize() int64 { return s.blockSize }

// TotalBytes returns the bytes currently held by present blocks.
func (s *Store) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

func shard(ino int64) string {
	return fmt.Sprintf("%02x", byte(ino))
}

func (s *Store) inodeDir(ino int64) string {
	return filepath.Join(s.root, shard(ino), strconv.FormatInt(ino, 10))
}

func (s *Store) blockPath(ino, idx int64) string {
	return filepath.Join(s.inodeDir(ino), strconv.FormatInt(idx, 10))
}

func (s *Store) sidecarPath(ino, idx int64) string {
	return s.blockPath(ino, idx) + ".meta"
}

func (s *Store) loadSidecar(ino, idx int64) (*Sidecar, error) {
	data, err := os.ReadFile(s.sidecarPath(ino, idx))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: sidecar %d/%d: %v", common.ErrCorrupt, ino, idx, err)
	}
	return &sc, nil
}

func (s *Store) storeSidecar(ino, idx int64, sc *Sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	tmp := s.sidecarPath(ino, idx) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.sidecarPath(ino, idx))
}

// ReadBlock returns the block payload, or common.ErrNotFound when the
// block is not present. A sidecar/payload mismatch purges the block and
// reports common.ErrCorrupt so the caller can schedule a re-fetch.
func (s *Store) ReadBlock(ino, idx int64) ([]byte, *Sidecar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.loadSidecar(ino, idx)
	if err != nil {
		return nil, nil, err
	}
	if !sc.Present {
		return nil, nil, common.ErrNotFound
	}
	data, err := os.ReadFile(s.blockPath(ino, idx))
	if err != nil {
		if os.IsNotExist(err) {
			// Sidecar without payload: treat as missing and purge.
			s.purgeLocked(ino, idx, sc)
			return nil, nil, common.ErrCorrupt
		}
		return nil, nil, err
	}
	if int64(len(data)) != sc.Length {
		log.Warnf("block %d/%d: payload %d bytes, sidecar says %d; purging",
			ino, idx, len(data), sc.Length)
		s.purgeLocked(ino, idx, sc)
		return nil, nil, common.ErrCorrupt
	}
	return data, sc, nil
}

// WriteBlock writes data at offsetInBlock, extending the recorded length
// when the write grows the block. version is the inode version being
// staged; it fences the later MarkClean. dirty distinguishes local writes
// (true) from downstream hydration (false).
func (s *Store) WriteBlock(ino, idx, offsetInBlock int64, data []byte, version int64, dirty bool) error {
	if offsetInBlock < 0 || offsetInBlock+int64(len(data)) > s.blockSize {
		return fmt.Errorf("%w: write of %d bytes at block offset %d", common.ErrInvalidArg, len(data), offsetInBlock)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.inodeDir(ino), 0700); err != nil {
		return err
	}

	sc, err := s.loadSidecar(ino, idx)
	if err != nil {
		sc = &Sidecar{}
	}
	prevLen := sc.Length
	wasPresent := sc.Present

	f, err := os.OpenFile(s.blockPath(ino, idx), os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, offsetInBlock); err != nil {
		f.Close()
		// Failed write must not corrupt the previously recorded length.
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	newLen := offsetInBlock + int64(len(data))
	if newLen < prevLen {
		newLen = prevLen
	}
	// A write into the middle of a block needs the leading gap to exist;
	// WriteAt leaves a hole which reads back as zeroes, matching the
	// POSIX zero-fill contract for sparse extension.
	sc.Length = newLen
	sc.Present = true
	sc.Version = version
	if dirty {
		sc.Dirty = true
	} else if !wasPresent {
		sc.Dirty = false
	}
	sc.LastAccessTS = nowUnix()
	if err := s.storeSidecar(ino, idx, sc); err != nil {
		return err
	}
	s.totalBytes += newLen - prevLen
	return nil
}

// SetChecksum records a backend-provided checksum for a present block.
func (s *Store) SetChecksum(ino, idx int64, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, err := s.loadSidecar(ino, idx)
	if err != nil {
		return err
	}
	sc.Checksum = checksum
	return s.storeSidecar(ino, idx, sc)
}

// Touch bumps the block's last access timestamp.
func (s *Store) Touch(ino, idx int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, err := s.loadSidecar(ino, idx)
	if err != nil {
		return
	}
	sc.LastAccessTS = nowUnix()
	if err := s.storeSidecar(ino, idx, sc); err != nil {
		log.Debugf("touch %d/%d: %v", ino, idx, err)
	}
}

// MarkClean clears the dirty bit, but only when version matches the
// version recorded at write time. A mismatch means new writes landed
// after the push snapshot; the block stays dirty for the next push.
func (s *Store) MarkClean(ino, idx, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.loadSidecar(ino, idx)
	if err != nil {
		return err
	}
	if sc.Version != version {
		return fmt.Errorf("%w: block %d/%d written at version %d, push snapshot %d",
			common.ErrStale, ino, idx, sc.Version, version)
	}
	sc.Dirty = false
	return s.storeSidecar(ino, idx, sc)
}

// Evict removes a block and its sidecar. Dirty blocks are never evicted.
func (s *Store) Evict(ino, idx int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, err := s.loadSidecar(ino, idx)
	if err != nil {
		return err
	}
	if sc.Dirty {
		return fmt.Errorf("%w: block %d/%d is dirty", common.ErrInvalidArg, ino, idx)
	}
	s.purgeLocked(ino, idx, sc)
	return nil
}

// Purge removes a block regardless of dirty state. Used for CORRUPT
// recovery and inode destruction, never for capacity eviction.
func (s *Store) Purge(ino, idx int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, err := s.loadSidecar(ino, idx)
	if err != nil {
		sc = &Sidecar{}
	}
	s.purgeLocked(ino, idx, sc)
}

func (s *Store) purgeLocked(ino, idx int64, sc *Sidecar) {
	os.Remove(s.blockPath(ino, idx))
	os.Remove(s.sidecarPath(ino, idx))
	if sc.Present {
		s.totalBytes -= sc.Length
	}
}

// Iterate enumerates present blocks of an inode in ascending index order.
func (s *Store) Iterate(ino int64) ([]BlockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterateLocked(ino)
}

func (s *Store) iterateLocked(ino int64) ([]BlockInfo, error) {
	entries, err := os.ReadDir(s.inodeDir(ino))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var infos []BlockInfo
	for _, e := range entries {
		idx, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue // sidecars and temp files
		}
		sc, err := s.loadSidecar(ino, idx)
		if err != nil {
			// Payload without sidecar: corrupt, purge on sight.
			s.purgeLocked(ino, idx, &Sidecar{})
			continue
		}
		if !sc.Present {
			continue
		}
		infos = append(infos, BlockInfo{Ino: ino, Index: idx, Sidecar: *sc})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Index < infos[j].Index })
	return infos, nil
}

// DirtyBytes returns the total length of dirty blocks for an inode.
func (s *Store) DirtyBytes(ino int64) int64 {
	infos, err := s.Iterate(ino)
	if err != nil {
		return 0
	}
	var total int64
	for _, b := range infos {
		if b.Dirty {
			total += b.Length
		}
	}
	return total
}

// Truncate drops blocks at or beyond blockCount and shortens the final
// block to lastLen when lastLen > 0.
func (s *Store) Truncate(ino, blockCount, lastLen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.iterateLocked(ino)
	if err != nil {
		return err
	}
	for _, b := range infos {
		if b.Index >= blockCount {
			sc := b.Sidecar
			s.purgeLocked(ino, b.Index, &sc)
			continue
		}
		if b.Index == blockCount-1 && lastLen > 0 && b.Length > lastLen {
			sc := b.Sidecar
			if err := os.Truncate(s.blockPath(ino, b.Index), lastLen); err != nil {
				return err
			}
			s.totalBytes -= sc.Length - lastLen
			sc.Length = lastLen
			if err := s.storeSidecar(ino, b.Index, &sc); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveAll destroys every block of an inode, dirty or not. Used on inode
// destruction.
func (s *Store) RemoveAll(ino int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.iterateLocked(ino)
	if err != nil {
		return err
	}
	for _, b := range infos {
		sc := b.Sidecar
		s.purgeLocked(ino, b.Index, &sc)
	}
	return os.RemoveAll(s.inodeDir(ino))
}

// Inodes lists every inode id that has at least one block on disk. Used
// by the startup sweep to find orphans.
func (s *Store) Inodes() ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shards, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var inos []int64
	for _, sh := range shards {
		if !sh.IsDir() {
			continue
		}
		dirs, err := os.ReadDir(filepath.Join(s.root, sh.Name()))
		if err != nil {
			continue
		}
		for _, d := range dirs {
			ino, err := strconv.ParseInt(d.Name(), 10, 64)
			if err != nil {
				continue
			}
			inos = append(inos, ino)
		}
	}
	sort.Slice(inos, func(i, j int) bool { return inos[i] < inos[j] })
	return inos, nil
}

func (s *Store) scanTotal() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if filepath.Ext(path) == ".meta" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}
