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

// Package config loads the mount configuration the CLI driver delivers to
// the core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for tunables left unset in the config file.
const (
	DefaultBlockSize          = 128 * 1024
	DefaultCacheBytesMax      = 1 << 30 // 1 GiB
	DefaultBlockTTL           = 10 * time.Second
	DefaultNetworkTimeout     = 30 * time.Second
	DefaultDirtyFlushInterval = 5 * time.Second
	DefaultLockTTL            = 60 * time.Second
	DefaultPushAttempts       = 5

	DefaultDownloadSlots     = 16
	DefaultPerInodeDownloads = 4
	DefaultUploadSlots       = 4
	DefaultBackendConns      = 10
)

// Mount is the configuration object the mount driver constructs and
// injects. All durations are in seconds in the YAML form.
type Mount struct {
	CacheRoot      string `yaml:"cache_root"`
	CacheBytesMax  int64  `yaml:"cache_bytes_max"`
	BlockSize      int64  `yaml:"block_size"`
	BlockTTL       int    `yaml:"block_ttl"`
	NetworkTimeout int    `yaml:"network_timeout"`

	RemoteEndpoint string `yaml:"remote_endpoint"`
	RootCapability string `yaml:"root_capability"`
	InodeStoreURL  string `yaml:"inode_store_url"`
	CoordStoreURL  string `yaml:"coord_store_url"`

	DirtyFlushInterval int    `yaml:"dirty_flush_interval"`
	LockTTL            int    `yaml:"lock_ttl"`
	PushAttempts       int    `yaml:"push_attempts"`
	MergePolicy        string `yaml:"merge_policy"` // "lww" (default)
	LogLevel           string `yaml:"log_level"`    // trace, debug, info, warn, off

	DownloadSlots     int `yaml:"download_slots"`
	PerInodeDownloads int `yaml:"per_inode_downloads"`
	UploadSlots       int `yaml:"upload_slots"`
	BackendConns      int `yaml:"backend_conns"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Mount) ApplyDefaults() {
	if cfg.CacheBytesMax == 0 {
		cfg.CacheBytesMax = DefaultCacheBytesMax
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.BlockTTL == 0 {
		cfg.BlockTTL = int(DefaultBlockTTL / time.Second)
	}
	if cfg.NetworkTimeout == 0 {
		cfg.NetworkTimeout = int(DefaultNetworkTimeout / time.Second)
	}
	if cfg.DirtyFlushInterval == 0 {
		cfg.DirtyFlushInterval = int(DefaultDirtyFlushInterval / time.Second)
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = int(DefaultLockTTL / time.Second)
	}
	if cfg.PushAttempts == 0 {
		cfg.PushAttempts = DefaultPushAttempts
	}
	if cfg.MergePolicy == "" {
		cfg.MergePolicy = "lww"
	}
	if cfg.DownloadSlots == 0 {
		cfg.DownloadSlots = DefaultDownloadSlots
	}
	if cfg.PerInodeDownloads == 0 {
		cfg.PerInodeDownloads = DefaultPerInodeDownloads
	}
	if cfg.UploadSlots == 0 {
		cfg.UploadSlots = DefaultUploadSlots
	}
	if cfg.BackendConns == 0 {
		cfg.BackendConns = DefaultBackendConns
	}
}

// Validate checks the fields that have no usable default.
func (cfg *Mount) Validate() error {
	if cfg.CacheRoot == "" {
		return fmt.Errorf("cache_root is required")
	}
	if cfg.RemoteEndpoint == "" {
		return fmt.Errorf("remote_endpoint is required")
	}
	if cfg.RootCapability == "" {
		return fmt.Errorf("root_capability is required")
	}
	if cfg.InodeStoreURL == "" {
		return fmt.Errorf("inode_store_url is required")
	}
	if cfg.CoordStoreURL == "" {
		return fmt.Errorf("coord_store_url is required")
	}
	if cfg.BlockSize < 4096 || cfg.BlockSize%4096 != 0 {
		return fmt.Errorf("block_size %d is not a multiple of 4096", cfg.BlockSize)
	}
	return nil
}

// BlockTTLDuration returns the block TTL as a duration.
func (cfg *Mount) BlockTTLDuration() time.Duration {
	return time.Duration(cfg.BlockTTL) * time.Second
}

// NetworkTimeoutDuration returns the network timeout as a duration.
func (cfg *Mount) NetworkTimeoutDuration() time.Duration {
	return time.Duration(cfg.NetworkTimeout) * time.Second
}

// DirtyFlushIntervalDuration returns the dirty flush interval as a duration.
func (cfg *Mount) DirtyFlushIntervalDuration() time.Duration {
	return time.Duration(cfg.DirtyFlushInterval) * time.Second
}

// LockTTLDuration returns the coordination lock TTL as a duration.
func (cfg *Mount) LockTTLDuration() time.Duration {
	return time.Duration(cfg.LockTTL) * time.Second
}

// Load reads a mount configuration from a YAML file, applies defaults and
// validates it.
func Load(path string) (*Mount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Mount
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
