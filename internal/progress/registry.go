// Package progress tracks the byte progress of in-flight transfers.
package progress

import (
	"sort"
	"sync"

	"github.com/dl-alexandre/ncsync/internal/types"
)

// Record is the last known progress of one transfer.
type Record struct {
	Session          types.Session `json:"session"`
	Progress         float64       `json:"progress"`
	BytesTransferred int64         `json:"bytesTransferred"`
	BytesExpected    int64         `json:"bytesExpected"`
}

// NewRecord derives the progress fraction from byte counts.
func NewRecord(session types.Session, transferred, expected int64) Record {
	r := Record{Session: session, BytesTransferred: transferred, BytesExpected: expected}
	if expected > 0 {
		r.Progress = float64(transferred) / float64(expected)
		if r.Progress > 1 {
			r.Progress = 1
		}
	}
	return r
}

// Registry maps transfer ids to their progress. The zero value is not
// usable; call NewRegistry. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]Record)}
}

// Put inserts or replaces the record for id.
func (r *Registry) Put(id string, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id] = rec
}

// Remove deletes id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// Clear drops every record.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]Record)
}

// Get returns the record for id and whether it exists.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// GetOrDefault returns the record for id, or a zero-progress record on
// session when absent. The registry is never modified.
func (r *Registry) GetOrDefault(id string, session types.Session) Record {
	if rec, ok := r.Get(id); ok {
		return rec
	}
	return Record{Session: session}
}

// Len returns the number of tracked transfers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Entry pairs an id with its record for snapshots.
type Entry struct {
	ID string `json:"id"`
	Record
}

// Snapshot returns a copy of all records sorted by id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.records))
	for id, rec := range r.records {
		out = append(out, Entry{ID: id, Record: rec})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
