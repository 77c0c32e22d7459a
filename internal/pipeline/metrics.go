// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package pipeline

import "sync/atomic"

// Metrics holds the ambient counters exposed by the frontend's /metrics
// handler: paths scanned, entries registered, and scan errors, in
// Prometheus text exposition format. No repo in the retrieved pack vendors
// a full metrics client for a component this small, so these are
// hand-rolled atomic counters rather than a client_golang registry (see
// DESIGN.md).
//
// All counters are monotonically non-decreasing for the lifetime of the
// process.
type Metrics struct {
	pathsScanned      atomic.Int64
	entriesRegistered atomic.Int64
	scanErrors        atomic.Int64
	batchesCompleted  atomic.Int64
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	PathsScanned      int64
	EntriesRegistered int64
	ScanErrors        int64
	BatchesCompleted  int64
}

// Snapshot reads the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		PathsScanned:      m.pathsScanned.Load(),
		EntriesRegistered: m.entriesRegistered.Load(),
		ScanErrors:        m.scanErrors.Load(),
		BatchesCompleted:  m.batchesCompleted.Load(),
	}
}
