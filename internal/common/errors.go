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

package common

import "errors"

// Error kinds the core distinguishes. Deterministic POSIX translations
// happen at the FUSE boundary; everything below that speaks these.
var (
	ErrNotFound   = errors.New("not found")
	ErrExists     = errors.New("already exists")
	ErrNotDir     = errors.New("not a directory")
	ErrIsDir      = errors.New("is a directory")
	ErrNotEmpty   = errors.New("directory not empty")
	ErrPermission = errors.New("permission denied")
	ErrInvalidArg = errors.New("invalid argument")

	// ErrStale is an optimistic-concurrency failure. Recovered locally by
	// rebase-and-retry; callers above the sync engine never see it.
	ErrStale = errors.New("stale version")

	// ErrBusy is lock contention on a coordination key. Recovered by
	// bounded retry with backoff.
	ErrBusy = errors.New("resource busy")

	// ErrBackendUnavailable is a network or remote-side error. Pulls fail
	// the caller with EIO after retries; pushes stay queued.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrCacheFull means capacity could not be reclaimed because dirty
	// data cannot be drained. Surfaced as ENOSPC.
	ErrCacheFull = errors.New("cache full")

	// ErrCorrupt is a block/sidecar mismatch or checksum failure. The
	// block is purged and re-fetched; surfaced only if the re-fetch fails.
	ErrCorrupt = errors.New("corrupt block")

	// ErrFatal is an invariant violation. Returning it does not switch
	// the mount read-only; only Degrade does that.
	ErrFatal = errors.New("invariant violation")

	ErrReadOnly      = errors.New("read-only filesystem")
	ErrInvalidHandle = errors.New("invalid handle")
)
