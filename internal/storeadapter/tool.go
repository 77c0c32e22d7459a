// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package storeadapter provides the thin capability surface the indexer
// needs from the store administration tool and the store's metadata
// database: realizing paths, querying derivations and their outputs, and
// incrementally listing newly registered store paths.
package storeadapter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// Tool is the capability surface this package needs from the store
// administration command-line tool.
type Tool interface {
	// Realise ensures path is materialized locally. It is safe to call
	// concurrently for the same path.
	Realise(ctx context.Context, path string) error
	// DeriverOf returns the derivation path that produced path.
	// ok is false if the store reports no known deriver.
	DeriverOf(ctx context.Context, path string) (drv string, ok bool, err error)
	// OutputsOf returns the absolute output paths of the derivation drv.
	OutputsOf(ctx context.Context, drv string) ([]string, error)
}

// unknownDeriver is the placeholder value the store tool prints when a
// path's deriver is not recorded.
const unknownDeriver = "unknown-deriver"

// ExecTool invokes an external store administration binary as a subprocess
// for each capability, following the same os/exec.CommandContext idiom
// used to invoke build recipes: bound to ctx, stdout captured, stderr only
// surfaced on failure.
type ExecTool struct {
	// Path is the path to the store administration executable.
	Path string
}

func (t *ExecTool) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.Path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(unix.SIGTERM)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.Debugf(ctx, "%s %s failed: %v: %s", t.Path, strings.Join(args, " "), err, stderr.String())
		return "", fmt.Errorf("%s %s: %w", t.Path, strings.Join(args, " "), err)
	}
	return stdout.String(), nil
}

// Realise implements [Tool].
func (t *ExecTool) Realise(ctx context.Context, path string) error {
	if _, err := t.run(ctx, "--realise", path); err != nil {
		return fmt.Errorf("realise %s: %w", path, err)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("realise %s: not present after realise: %w", path, err)
	}
	return nil
}

// DeriverOf implements [Tool].
func (t *ExecTool) DeriverOf(ctx context.Context, path string) (string, bool, error) {
	out, err := t.run(ctx, "--query", "--deriver", path)
	if err != nil {
		return "", false, fmt.Errorf("deriver of %s: %w", path, err)
	}
	line, ok := strings.CutSuffix(out, "\n")
	if !ok {
		return "", false, fmt.Errorf("deriver of %s: output not newline-terminated", path)
	}
	if line == unknownDeriver {
		return "", false, nil
	}
	if !filepath.IsAbs(line) {
		// Any non-absolute, non-placeholder output is treated as a
		// "no deriver" result, not an error.
		return "", false, nil
	}
	return line, true, nil
}

// OutputsOf implements [Tool].
func (t *ExecTool) OutputsOf(ctx context.Context, drv string) ([]string, error) {
	out, err := t.run(ctx, "--query", "--outputs", drv)
	if err != nil {
		return nil, fmt.Errorf("outputs of %s: %w", drv, err)
	}
	out = strings.TrimSuffix(out, "\n")
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// DebugOutputOf returns the sibling output of drv whose path ends in
// "-debug", using the first such match (at most one is expected in
// practice). ok is false if there is none, including when
// looking up outputs fails.
func DebugOutputOf(ctx context.Context, tool Tool, drv string) (path string, ok bool) {
	outputs, err := tool.OutputsOf(ctx, drv)
	if err != nil {
		log.Debugf(ctx, "outputs of %s: %v", drv, err)
		return "", false
	}
	for _, out := range outputs {
		if strings.HasSuffix(out, "-debug") {
			return out, true
		}
	}
	return "", false
}
