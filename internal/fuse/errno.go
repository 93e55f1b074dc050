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

package fuse

import (
	"errors"
	"syscall"

	"riverfs/internal/common"
)

// errno translates core error kinds to POSIX errno values at the FUSE
// boundary. Everything below the bridge speaks common errors.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, common.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, common.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, common.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, common.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, common.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, common.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, common.ErrInvalidArg):
		return syscall.EINVAL
	case errors.Is(err, common.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, common.ErrCacheFull):
		return syscall.ENOSPC
	case errors.Is(err, common.ErrInvalidHandle):
		return syscall.EBADF
	case errors.Is(err, common.ErrBusy):
		return syscall.EBUSY
	case errors.Is(err, common.ErrBackendUnavailable),
		errors.Is(err, common.ErrCorrupt),
		errors.Is(err, common.ErrFatal):
		return syscall.EIO
	case errors.Is(err, syscall.EINTR):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}
