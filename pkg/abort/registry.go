// Package abort tracks in-flight streaming requests so that a separate
// HTTP call can cancel them. Entries live exactly as long as the request
// that registered them.
package abort

import (
	"sync"
	"sync/atomic"
	"time"
)

// CancelFlag is a shared cancellation marker checked at loop boundaries.
type CancelFlag struct {
	cancelled atomic.Bool
}

// Cancelled reports whether the flag has been set.
func (f *CancelFlag) Cancelled() bool {
	return f.cancelled.Load()
}

// Set marks the flag cancelled.
func (f *CancelFlag) Set() {
	f.cancelled.Store(true)
}

// Handle aborts the underlying work, typically by cancelling a context.
type Handle interface {
	Abort(reason string)
}

// HandleFunc adapts a function to the Handle interface.
type HandleFunc func(reason string)

func (f HandleFunc) Abort(reason string) { f(reason) }

// Entry is the registered state for one request.
type Entry struct {
	Handle    Handle
	Flag      *CancelFlag
	UserID    string // empty means unowned; any caller may abort
	CreatedAt time.Time
}

// Registry is a process-wide concurrent map from client request id to its
// abort entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register stores an abort entry under requestID. No-op when requestID is
// empty or the handle is nil. Re-registration overwrites the prior entry.
func (r *Registry) Register(requestID string, entry Entry) {
	if requestID == "" || entry.Handle == nil {
		return
	}
	if entry.Flag == nil {
		entry.Flag = &CancelFlag{}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	r.mu.Lock()
	r.entries[requestID] = &entry
	r.mu.Unlock()
}

// Unregister removes the entry for requestID, if any.
func (r *Registry) Unregister(requestID string) {
	r.mu.Lock()
	delete(r.entries, requestID)
	r.mu.Unlock()
}

// Lookup returns the entry for requestID, or nil.
func (r *Registry) Lookup(requestID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[requestID]
}

// Abort cancels the stream registered under requestID on behalf of
// requestingUserID. Authorization: an entry with an empty owner may be
// aborted by anyone; an owned entry only by its owner. Aborting twice is
// allowed. A panicking handle still leaves the flag set.
func (r *Registry) Abort(requestID, requestingUserID string) bool {
	r.mu.RLock()
	entry := r.entries[requestID]
	r.mu.RUnlock()

	if entry == nil {
		return false
	}
	if entry.UserID != "" && entry.UserID != requestingUserID {
		return false
	}

	entry.Flag.Set()

	func() {
		defer func() { _ = recover() }()
		entry.Handle.Abort("client_stop")
	}()

	return true
}

// Len reports the number of live entries. Used by health reporting.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
