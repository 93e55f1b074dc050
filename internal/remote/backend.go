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

// Package remote defines the capability interface the core consumes and
// the production client for a Tahoe-LAFS-style blob store.
package remote

import "context"

// Kind of a remote object.
type Kind string

const (
	KindFile    Kind = "filenode"
	KindDir     Kind = "dirnode"
	KindSymlink Kind = "symlink"
)

// ByteRange selects part of an object. Length < 0 means to the end.
type ByteRange struct {
	Offset int64
	Length int64
}

// DirEntry is one child of a remote directory.
type DirEntry struct {
	Name string
	Ref  string
	Kind Kind
	Size int64
}

// Backend is the minimal capability interface against the remote object
// store. Refs are opaque capabilities naming immutable objects; every
// write yields a new one.
type Backend interface {
	// GetObject fetches bytes of the object named by ref, optionally a
	// byte range of it.
	GetObject(ctx context.Context, ref string, rng *ByteRange) ([]byte, error)

	// PutObject stores bytes and returns the new object's capability.
	PutObject(ctx context.Context, data []byte) (string, error)

	// GetDir lists a remote directory.
	GetDir(ctx context.Context, ref string) ([]DirEntry, error)

	// PutDir writes a directory's child set, returning the (possibly
	// new) directory capability. An empty ref creates a fresh directory.
	PutDir(ctx context.Context, ref string, entries []DirEntry) (string, error)

	// Delete unlinks the object named by ref.
	Delete(ctx context.Context, ref string) error
}
