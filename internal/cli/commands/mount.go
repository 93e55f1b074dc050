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

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"riverfs/internal/cachemgr"
	"riverfs/internal/config"
	"riverfs/internal/fuse"
)

var (
	mountConfigPath string
	mountAllowOther bool
	mountDebug      bool
)

var mountCmd = &cobra.Command{
	Use:   "mount <target-dir>",
	Short: "Mount the remote store at a local directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(mountConfigPath)
		if err != nil {
			return err
		}
		return runMount(cmd.Context(), cfg, args[0])
	},
}

func init() {
	mountCmd.Flags().StringVarP(&mountConfigPath, "config", "c", "riverfs.yaml", "mount configuration file")
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "permit other users to access the mount")
	mountCmd.Flags().BoolVar(&mountDebug, "debug-fuse", false, "log kernel FUSE requests")
	rootCmd.AddCommand(mountCmd)
}

func runMount(ctx context.Context, cfg *config.Mount, target string) error {
	s, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.runSweepIfNeeded(ctx); err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}
	// Mark the mount live; the marker goes clean again only after a
	// drained shutdown.
	if err := cachemgr.WriteState(cfg.CacheRoot, false); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.cache.Run(runCtx)

	server, err := fuse.Mount(fuse.Options{
		Mountpoint: target,
		Env:        s.env,
		AllowOther: mountAllowOther,
		Debug:      mountDebug,
	})
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("unmounting")
		if err := server.Unmount(); err != nil {
			log.Warnf("unmount: %v", err)
		}
	}()

	server.Wait()
	cancel()

	// Drain dirty state so the shutdown marker can go clean.
	drainCtx := context.Background()
	if err := s.cache.FlushDirty(drainCtx); err != nil {
		log.Warnf("draining dirty state: %v", err)
		return nil // marker stays unclean; next mount sweeps
	}
	dirty, err := s.inodes.ListDirty(drainCtx)
	if err == nil && len(dirty) == 0 {
		if err := cachemgr.WriteState(cfg.CacheRoot, true); err != nil {
			log.Warnf("writing clean-shutdown marker: %v", err)
		}
	} else {
		log.Warnf("%d inodes still dirty; leaving unclean marker", len(dirty))
	}
	return nil
}
