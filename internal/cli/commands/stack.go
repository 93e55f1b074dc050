package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"riverfs/internal/blockstore"
	"riverfs/internal/cachemgr"
	"riverfs/internal/config"
	"riverfs/internal/coord"
	"riverfs/internal/executor"
	"riverfs/internal/fsops"
	"riverfs/internal/handle"
	"riverfs/internal/inodestore"
	"riverfs/internal/remote"
	"riverfs/internal/syncer"
)

// stack is everything a mount (or fsck) assembles from a config.
type stack struct {
	cfg     *config.Mount
	lock    *flock.Flock
	cache   *cachemgr.Manager
	engine  *syncer.Engine
	pool    *executor.Pool
	env     *fsops.Env
	inodes  *inodestore.Store
	coord   *coord.Store
	backend *remote.TahoeClient
}

// buildStack wires the whole system from a loaded configuration. The
// flock ensures a single host process owns the cache root.
func buildStack(ctx context.Context, cfg *config.Mount) (*stack, error) {
	applyLogLevel(cfg.LogLevel)

	if err := os.MkdirAll(cfg.CacheRoot, 0700); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(cfg.CacheRoot, ".riverfs.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking cache root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("cache root %s is owned by another process", cfg.CacheRoot)
	}

	blocks, err := blockstore.New(cfg.CacheRoot, cfg.BlockSize)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	inodes, err := inodestore.Open(cfg.InodeStoreURL)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	cs, err := coord.New(cfg.CoordStoreURL)
	if err != nil {
		inodes.Close()
		lock.Unlock()
		return nil, err
	}
	if err := cs.Ping(ctx); err != nil {
		inodes.Close()
		cs.Close()
		lock.Unlock()
		return nil, err
	}

	mgr, err := cachemgr.New(cachemgr.Config{
		BlockSize:          cfg.BlockSize,
		CacheBytesMax:      cfg.CacheBytesMax,
		BlockTTL:           cfg.BlockTTLDuration(),
		DirtyFlushInterval: cfg.DirtyFlushIntervalDuration(),
	}, blocks, inodes, cs)
	if err != nil {
		inodes.Close()
		cs.Close()
		lock.Unlock()
		return nil, err
	}

	pool := executor.New(executor.Options{
		DownloadSlots:     cfg.DownloadSlots,
		PerInodeDownloads: cfg.PerInodeDownloads,
		UploadSlots:       cfg.UploadSlots,
	})

	backend := remote.NewTahoeClient(cfg.RemoteEndpoint, cfg.RootCapability,
		cfg.NetworkTimeoutDuration(), cfg.BackendConns)

	engine := syncer.New(mgr, backend, cs, pool, syncer.Options{
		LockTTL:      cfg.LockTTLDuration(),
		PushAttempts: uint(cfg.PushAttempts),
	})
	mgr.SetSync(engine, engine)
	mgr.OnDirty(engine.MarkDirty)
	mgr.OnDirInvalidate(func(ino int64) {
		pool.Submit(ctx, func(ctx context.Context) {
			if err := engine.PullDownstream(ctx, ino, cachemgr.BlockRange{}); err != nil {
				log.Warnf("refreshing invalidated directory %d: %v", ino, err)
			}
		})
	})

	env := &fsops.Env{Cache: mgr, Sync: engine, Handles: handle.NewTable(), Pool: pool}
	fsops.WireOrphanFinalizer(env)

	s := &stack{
		cfg: cfg, lock: lock, cache: mgr, engine: engine,
		pool: pool, env: env, inodes: inodes, coord: cs, backend: backend,
	}
	if err := s.adoptRoot(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// adoptRoot binds the configured root capability to the root inode on
// first mount against a fresh inode store.
func (s *stack) adoptRoot(ctx context.Context) error {
	root, err := s.inodes.Get(ctx, inodestore.RootIno)
	if err != nil {
		return err
	}
	if root.RemoteRef == s.cfg.RootCapability {
		return nil
	}
	if root.RemoteRef != "" {
		return fmt.Errorf("cache root was built for a different root capability")
	}
	root.RemoteRef = s.cfg.RootCapability
	root.Version++
	return s.inodes.Update(ctx, root, root.Version-1)
}

// runSweepIfNeeded checks the clean-shutdown marker and sweeps when it
// is absent.
func (s *stack) runSweepIfNeeded(ctx context.Context) error {
	st, err := cachemgr.LoadState(s.cfg.CacheRoot)
	if err != nil {
		return err
	}
	if st != nil && st.CleanShutdown && st.SchemaVersion == cachemgr.StateSchemaVersion {
		return nil
	}
	log.Info("no clean-shutdown marker; running consistency sweep")
	report, err := s.cache.Sweep(ctx)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"orphans":   len(report.Orphans),
		"replanned": len(report.Replanned),
		"purged":    report.Purged,
	}).Info("sweep complete")
	return nil
}

func (s *stack) close() {
	s.pool.Close()
	s.inodes.Close()
	s.coord.Close()
	s.lock.Unlock()
}
