package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RunsTasks(t *testing.T) {
	t.Parallel()
	p := New(Options{Workers: 4})
	defer p.Close()

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(20), n.Load())
}

func TestSubmit_CancelledTaskSkipped(t *testing.T) {
	t.Parallel()
	p := New(Options{Workers: 1})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	ran := false
	p.Submit(ctx, func(ctx context.Context) { ran = true })
	p.Submit(context.Background(), func(ctx context.Context) { close(done) })

	<-done
	assert.False(t, ran, "task queued with a cancelled context must not run")
}

func TestRunDownload_GlobalBudget(t *testing.T) {
	t.Parallel()
	p := New(Options{Workers: 2, DownloadSlots: 2, PerInodeDownloads: 2})
	defer p.Close()

	var inflight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		ino := int64(i) // distinct inodes, so only the global budget binds
		go func() {
			defer wg.Done()
			_ = p.RunDownload(context.Background(), ino, func(ctx context.Context) error {
				cur := inflight.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inflight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunDownload_PerInodeBudget(t *testing.T) {
	t.Parallel()
	p := New(Options{Workers: 2, DownloadSlots: 16, PerInodeDownloads: 1})
	defer p.Close()

	var inflight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.RunDownload(context.Background(), 42, func(ctx context.Context) error {
				cur := inflight.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inflight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load(), "same-inode downloads exceed the per-inode budget")
}

func TestRunDownload_CancelWhileWaiting(t *testing.T) {
	t.Parallel()
	p := New(Options{Workers: 1, DownloadSlots: 1})
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.RunDownload(context.Background(), 1, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.RunDownload(ctx, 2, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestRunUpload_SerializedPerInode(t *testing.T) {
	t.Parallel()
	p := New(Options{Workers: 2, UploadSlots: 8})
	defer p.Close()

	var inflight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.RunUpload(context.Background(), 7, func(ctx context.Context) error {
				cur := inflight.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inflight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load(), "uploads for one inode must be serialized")
}

func TestRunUpload_NotCancelledOnceStarted(t *testing.T) {
	t.Parallel()
	p := New(Options{Workers: 1})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var sawCancel bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.RunUpload(ctx, 3, func(ctx context.Context) error {
			cancel() // caller goes away mid-upload
			time.Sleep(10 * time.Millisecond)
			sawCancel = ctx.Err() != nil
			return nil
		})
	}()
	<-done
	assert.False(t, sawCancel, "in-flight upload must not observe caller cancellation")
}

func TestClose_WaitsForWorkers(t *testing.T) {
	t.Parallel()
	p := New(Options{Workers: 2})

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			n.Add(1)
		})
	}
	wg.Wait()
	p.Close()
	require.Equal(t, int32(4), n.Load())
}
