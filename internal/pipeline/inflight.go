// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package pipeline

import (
	"sync"

	"github.com/distr1/debuginfod/sets"
)

// inFlight tracks store paths that have been submitted to the scan pool but
// have not yet completed, so that a path re-offered by a fast poller before
// its previous scan finished is not scanned twice concurrently. Adapted from
// internal/backend's mutexMap: we only need "is it already being worked on",
// not a queue of waiters, so membership is tracked with a plain [sets.Set]
// guarded by a mutex instead of a per-key channel.
type inFlight struct {
	mu sync.Mutex
	s  sets.Set[string]
}

// tryAdd reports whether path was newly added (i.e. it was not already in
// flight). If it returns false, the caller must not submit a scan job.
func (f *inFlight) tryAdd(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.s == nil {
		f.s = sets.New[string]()
	}
	if f.s.Has(path) {
		return false
	}
	f.s.Add(path)
	return true
}

// remove marks path as no longer in flight.
func (f *inFlight) remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.Delete(path)
}
