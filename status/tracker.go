// Package status tracks what is currently in flight: messages being sent and
// asset transfers in progress. It is a runtime coordination cache for retries
// and UI state, never a source of truth, and holds nothing beyond process
// lifetime.
package status

import (
	"sync"

	"github.com/wren-im/go-wren/ids"
)

// AssetStatus describes an asset transfer. Only in-progress statuses are ever
// stored, terminal ones behave as a clear.
type AssetStatus int

const (
	AssetUploadInProgress AssetStatus = iota
	AssetDownloadInProgress
	AssetUploaded
	AssetDownloaded
	AssetUploadFailed
	AssetDownloadFailed
)

func (s AssetStatus) InProgress() bool {
	return s == AssetUploadInProgress || s == AssetDownloadInProgress
}

// Key identifies one message within one conversation.
type Key struct {
	Conversation ids.ID
	Message      ids.ID
}

func NewKey(conversation, message ids.ID) Key {
	return Key{Conversation: conversation, Message: message}
}

// Observer is the read-only surface handed to UI and notification layers.
// The change signal carries no payload, observers re-query the keys they
// care about.
type Observer interface {
	IsMessageSending(key Key) bool
	AssetInProgress(key Key) (AssetStatus, bool)
	Version() uint64
	Changed() <-chan struct{}
}

// Tracker is the concurrency-safe registry behind Observer. Every write is a
// single check-and-set under the lock and reports whether it changed
// anything, so two tasks touching the same key moments apart cannot lose an
// update. No-op writes do not notify.
type Tracker struct {
	mu      sync.RWMutex
	sending map[Key]struct{}
	assets  map[Key]AssetStatus
	version uint64
	changed chan struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		sending: make(map[Key]struct{}),
		assets:  make(map[Key]AssetStatus),
		changed: make(chan struct{}, 1),
	}
}

func (t *Tracker) IsMessageSending(key Key) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sending[key]
	return ok
}

func (t *Tracker) AssetInProgress(key Key) (AssetStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.assets[key]
	return s, ok
}

func (t *Tracker) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Changed returns a single-slot signal which coalesces notifications.
// Consumers poll the tracker after receiving on it.
func (t *Tracker) Changed() <-chan struct{} {
	return t.changed
}

func (t *Tracker) MarkMessageSending(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sending[key]; ok {
		return false
	}
	t.sending[key] = struct{}{}
	t.notify()
	return true
}

func (t *Tracker) ClearMessageSending(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sending[key]; !ok {
		return false
	}
	delete(t.sending, key)
	t.notify()
	return true
}

// MarkAssetInProgress records an in-progress transfer. Called with a
// non-in-progress status it behaves exactly like ClearAssetInProgress, the
// tracker never stores terminal statuses.
func (t *Tracker) MarkAssetInProgress(key Key, status AssetStatus) bool {
	if !status.InProgress() {
		return t.ClearAssetInProgress(key)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.assets[key]; ok && existing == status {
		return false
	}
	t.assets[key] = status
	t.notify()
	return true
}

func (t *Tracker) ClearAssetInProgress(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.assets[key]; !ok {
		return false
	}
	delete(t.assets, key)
	t.notify()
	return true
}

// notify must be called with the write lock held.
func (t *Tracker) notify() {
	t.version++
	select {
	case t.changed <- struct{}{}:
	default:
	}
}
