// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package index implements the persistent build-id index: a durable
// key/value store mapping a GNU build-id to the executable, debug-info, and
// source paths that produced or accompany it, plus a monotonic watermark
// over the store's registration log.
package index

// Entry is a build-id index record. A zero-value field means "absent";
// store paths are always non-empty, so the empty string can double as the
// absence marker without a wrapper type.
type Entry struct {
	BuildID    string
	Executable string
	Debuginfo  string
	Source     string
}
