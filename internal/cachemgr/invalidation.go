package cachemgr

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
)

// InvalidateEvent announces a remote-side mutation of an object.
type InvalidateEvent struct {
	Ino     int64  `json:"ino"`
	Kind    string `json:"kind"` // "file" or "dir"
	Version int64  `json:"version,omitempty"`
}

// Run services the invalidation subscription and the dirty flusher until
// the context is cancelled. The mount driver calls it once, in its own
// goroutine.
func (m *Manager) Run(ctx context.Context) {
	sub, err := m.coord.Subscribe(ctx, InvalidateChannel)
	if err != nil {
		log.Warnf("invalidation subscription unavailable: %v", err)
		sub = nil
	}
	if sub != nil {
		defer sub.Close()
	}

	var flushC <-chan time.Time
	if m.cfg.DirtyFlushInterval > 0 {
		ticker := time.NewTicker(m.cfg.DirtyFlushInterval)
		defer ticker.Stop()
		flushC = ticker.C
	}

	for {
		var msgs <-chan []byte
		if sub != nil {
			msgs = sub.Messages
		}
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				sub = nil
				continue
			}
			m.handleInvalidate(raw)
		case <-flushC:
			if err := m.FlushDirty(ctx); err != nil {
				log.Warnf("dirty flush: %v", err)
			}
		}
	}
}

func (m *Manager) handleInvalidate(raw []byte) {
	var ev InvalidateEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		log.Warnf("malformed invalidation event: %v", err)
		return
	}

	m.staleMu.Lock()
	m.staleInos[ev.Ino] = struct{}{}
	m.staleMu.Unlock()
	log.Debugf("invalidated inode %d (%s)", ev.Ino, ev.Kind)

	if ev.Kind == "dir" && m.dirRefresh != nil {
		m.dirRefresh(ev.Ino)
	}
}

// FlushDirty pushes every dirty inode once. Push failures are logged and
// left queued; writes already acknowledged are never dropped.
func (m *Manager) FlushDirty(ctx context.Context) error {
	if m.pusher == nil {
		return nil
	}
	dirty, err := m.inodes.ListDirty(ctx)
	if err != nil {
		return err
	}
	for _, ino := range dirty {
		if err := m.pusher.PushUpstream(ctx, ino); err != nil {
			log.Debugf("push of inode %d deferred: %v", ino, err)
		}
	}
	return nil
}
