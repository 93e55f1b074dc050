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

// Package executor is the cooperative task runner: a bounded worker pool
// plus a task queue. Filesystem operations run on the pool so slow
// backend I/O never blocks the FUSE dispatch thread. Downloads run in
// parallel under global and per-inode budgets; uploads are serialized
// per inode and bounded globally.
package executor

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Options sizes the pool and its semaphores.
type Options struct {
	Workers           int // worker goroutines; 0 means 2*DownloadSlots
	DownloadSlots     int // global concurrent downloads
	PerInodeDownloads int // concurrent downloads per inode
	UploadSlots       int // global concurrent uploads
}

type task struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

// Pool schedules filesystem and sync tasks.
type Pool struct {
	tasks chan task
	wg    sync.WaitGroup

	downloadSem chan struct{}
	uploadSem   chan struct{}

	mu          sync.Mutex
	inodeDown   map[int64]chan struct{}
	inodeUpload map[int64]*sync.Mutex
	perInode    int

	closed chan struct{}
	once   sync.Once
}

// New starts a pool.
func New(opts Options) *Pool {
	if opts.DownloadSlots <= 0 {
		opts.DownloadSlots = 16
	}
	if opts.PerInodeDownloads <= 0 {
		opts.PerInodeDownloads = 4
	}
	if opts.UploadSlots <= 0 {
		opts.UploadSlots = 4
	}
	if opts.Workers <= 0 {
		opts.Workers = 2 * opts.DownloadSlots
	}

	p := &Pool{
		tasks:       make(chan task, 256),
		downloadSem: make(chan struct{}, opts.DownloadSlots),
		uploadSem:   make(chan struct{}, opts.UploadSlots),
		inodeDown:   make(map[int64]chan struct{}),
		inodeUpload: make(map[int64]*sync.Mutex),
		perInode:    opts.PerInodeDownloads,
		closed:      make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runOne(t)
		case <-p.closed:
			// Drain what's already queued, then exit.
			for {
				select {
				case t, ok := <-p.tasks:
					if !ok {
						return
					}
					p.runOne(t)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) runOne(t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("task panic: %v", r)
		}
	}()
	if t.ctx.Err() != nil {
		return // cancelled while queued
	}
	t.fn(t.ctx)
}

// Submit queues a task for execution on the pool.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context)) {
	select {
	case p.tasks <- task{ctx: ctx, fn: fn}:
	case <-p.closed:
	}
}

func (p *Pool) inodeDownSem(ino int64) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.inodeDown[ino]
	if !ok {
		sem = make(chan struct{}, p.perInode)
		p.inodeDown[ino] = sem
	}
	return sem
}

func (p *Pool) inodeUploadMu(ino int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	mu, ok := p.inodeUpload[ino]
	if !ok {
		mu = &sync.Mutex{}
		p.inodeUpload[ino] = mu
	}
	return mu
}

// RunDownload executes fn under the global and per-inode download
// budgets, blocking the calling goroutine. Cancellation applies while
// waiting for a slot and is forwarded to fn.
func (p *Pool) RunDownload(ctx context.Context, ino int64, fn func(ctx context.Context) error) error {
	select {
	case p.downloadSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.downloadSem }()

	sem := p.inodeDownSem(ino)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	return fn(ctx)
}

// RunUpload executes fn serialized with other uploads of the same inode
// and under the global upload budget. An in-flight upload is never
// cancelled: a partial remote write risks orphans, so fn runs detached
// from the caller's cancellation once started.
func (p *Pool) RunUpload(ctx context.Context, ino int64, fn func(ctx context.Context) error) error {
	mu := p.inodeUploadMu(ino)
	mu.Lock()
	defer mu.Unlock()

	select {
	case p.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.uploadSem }()

	return fn(context.WithoutCancel(ctx))
}

// Close stops accepting work and waits for running tasks.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.closed) })
	p.wg.Wait()
}
