// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package scan implements the path classifier & scanner: given one newly
// registered store path, it walks the filesystem under that path and emits
// zero or more build-id index entries.
package scan

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/distr1/debuginfod/internal/elfbuildid"
	"github.com/distr1/debuginfod/internal/index"
	"github.com/distr1/debuginfod/internal/storeadapter"
	"zombiezen.com/go/log"
)

// debugSuffix marks a store output as a split debug-info tree.
const debugSuffix = "-debug"

// Sink receives index entries discovered by a scan. Implementations must be
// safe to call from a single goroutine per [Scan] call; Scan itself never
// calls Sink concurrently.
type Sink func(index.Entry)

// Scan walks storePath, classifies it, and emits zero or more entries to
// sink. It never returns an error for ordinary filesystem or store-tool
// failures encountered while walking: those are logged and skipped so that
// scanning makes progress on sibling entries. The returned error is
// reserved for conditions that make it meaningless to continue (none
// currently exist; Scan always returns nil, best effort and lossy by
// design. The error return is kept so callers don't need to change if that
// ever stops being true).
func Scan(ctx context.Context, tool storeadapter.Tool, storePath string, sink Sink) error {
	info, err := os.Stat(storePath)
	if err != nil || !info.IsDir() {
		return nil
	}

	deriver, source := lazyDeriverSource(ctx, tool, storePath)

	if strings.HasSuffix(storePath, debugSuffix) {
		scanDebugTree(ctx, storePath, source, sink)
		return nil
	}
	scanOrdinaryOutput(ctx, tool, storePath, deriver, source, sink)
	return nil
}

// lazyDeriverSource returns a pair of functions that compute (and cache)
// the deriver and source of storePath only on first use, so that a
// directory containing no ELF files never causes a store-tool subprocess to
// be spawned.
func lazyDeriverSource(ctx context.Context, tool storeadapter.Tool, storePath string) (deriver func() (string, bool), source func() string) {
	var computed bool
	var derivPath string
	var derivOK bool
	var sourcePath string

	compute := func() {
		if computed {
			return
		}
		computed = true
		drv, ok, err := tool.DeriverOf(ctx, storePath)
		if err != nil {
			log.Infof(ctx, "deriver of %s: %v", storePath, err)
			return
		}
		if !ok {
			return
		}
		derivPath, derivOK = drv, true
		if fi, err := os.Stat(drv); err == nil && fi.Mode().IsRegular() {
			sourcePath = drv
		}
	}

	return func() (string, bool) {
			compute()
			return derivPath, derivOK
		}, func() string {
			compute()
			return sourcePath
		}
}

// scanDebugTree handles a split debug-info output: storePath ends in
// "-debug". Every file under storePath/lib/debug/.build-id/<xx>/<yyyy>.debug
// becomes an entry with buildid = xx++yyyy and debuginfo set, executable
// unset.
func scanDebugTree(ctx context.Context, storePath string, source func() string, sink Sink) {
	buildIDRoot := filepath.Join(storePath, "lib", "debug", ".build-id")
	xxEntries, err := os.ReadDir(buildIDRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Infof(ctx, "read %s: %v", buildIDRoot, err)
		}
		return
	}
	for _, xxEntry := range xxEntries {
		if !xxEntry.IsDir() {
			continue
		}
		xx := xxEntry.Name()
		xxDir := filepath.Join(buildIDRoot, xx)
		yyyyEntries, err := os.ReadDir(xxDir)
		if err != nil {
			log.Infof(ctx, "read %s: %v", xxDir, err)
			continue
		}
		for _, yyyyEntry := range yyyyEntries {
			if yyyyEntry.IsDir() {
				continue
			}
			name := yyyyEntry.Name()
			yyyy, ok := strings.CutSuffix(name, ".debug")
			if !ok {
				continue
			}
			sink(index.Entry{
				BuildID:   xx + yyyy,
				Debuginfo: filepath.Join(xxDir, name),
				Source:    source(),
			})
		}
	}
}

// scanOrdinaryOutput walks an ordinary (non-debug) store output, computing
// a build-id for every regular file and correlating each with its
// predicted debug-info path.
func scanOrdinaryOutput(ctx context.Context, tool storeadapter.Tool, storePath string, deriver func() (string, bool), source func() string, sink Sink) {
	var debugOutputComputed bool
	var debugOutput string
	var haveDebugOutput bool

	lazyDebugOutput := func() (string, bool) {
		if debugOutputComputed {
			return debugOutput, haveDebugOutput
		}
		debugOutputComputed = true
		drv, ok := deriver()
		if !ok {
			return "", false
		}
		debugOutput, haveDebugOutput = storeadapter.DebugOutputOf(ctx, tool, drv)
		return debugOutput, haveDebugOutput
	}

	err := filepath.WalkDir(storePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Infof(ctx, "walk %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		buildID, ok, err := elfbuildid.Find(path)
		if err != nil {
			log.Infof(ctx, "build-id of %s: %v", path, err)
			return nil
		}
		if !ok {
			return nil
		}

		entry := index.Entry{
			BuildID:    buildID,
			Executable: path,
			Source:     source(),
		}
		if out, ok := lazyDebugOutput(); ok {
			entry.Debuginfo = resolveDebuginfoPath(ctx, out, buildID)
		}
		sink(entry)
		return nil
	})
	if err != nil {
		log.Infof(ctx, "walk %s: %v", storePath, err)
	}
}

// PredictDebugPath returns the conventional location of the separate debug
// file for buildID within debugOutput:
// <debugOutput>/lib/debug/.build-id/<buildID[:2]>/<buildID[2:]>.debug. The
// first two characters of buildID are used verbatim without validating that
// they are hex digits or that any corresponding directory exists; see
// DESIGN.md for why this stays lenient.
func PredictDebugPath(debugOutput, buildID string) string {
	if len(buildID) < 2 {
		return filepath.Join(debugOutput, "lib", "debug", ".build-id", buildID, "")
	}
	return filepath.Join(debugOutput, "lib", "debug", ".build-id", buildID[:2], buildID[2:]+".debug")
}

// resolveDebuginfoPath decides whether to set debuginfo when a debug
// output is known:
//   - debug output exists locally and the predicted file exists: use it.
//   - debug output exists locally but the predicted file doesn't: leave
//     debuginfo unset (an observed inconsistency) and warn.
//   - debug output doesn't exist locally (garbage-collected): optimistically
//     predict it anyway; it will be realized on demand at read time.
func resolveDebuginfoPath(ctx context.Context, debugOutput, buildID string) string {
	predicted := PredictDebugPath(debugOutput, buildID)
	info, err := os.Stat(debugOutput)
	if err != nil || !info.IsDir() {
		return predicted
	}
	if _, err := os.Stat(predicted); err != nil {
		log.Warnf(ctx, "debug output %s exists but predicted debug file %s does not", debugOutput, predicted)
		return ""
	}
	return predicted
}
