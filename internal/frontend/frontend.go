// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package frontend implements the debuginfod-protocol HTTP retrieval
// front-end: it looks up a build-id in the persistent index, re-materializes
// the referenced store path, and streams the resulting file back to the
// client, with byte-range support for large executables and debug files.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/distr1/debuginfod/internal/pipeline"
	"github.com/distr1/debuginfod/internal/rangeheader"
	"github.com/gorilla/handlers"
	"zombiezen.com/go/log"
)

// Lookup is the subset of the persistent index the server queries.
// Satisfied by [github.com/distr1/debuginfod/internal/index.Cache].
type Lookup interface {
	GetExecutable(ctx context.Context, buildID string) (string, bool, error)
	GetDebuginfo(ctx context.Context, buildID string) (string, bool, error)
	GetSource(ctx context.Context, buildID string) (string, bool, error)
}

// Realiser re-materializes a store path on demand. Satisfied by
// [github.com/distr1/debuginfod/internal/storeadapter.Tool].
type Realiser interface {
	Realise(ctx context.Context, path string) error
}

// Server implements http.Handler for the debuginfod retrieval routes.
type Server struct {
	index    Lookup
	tool     Realiser
	metrics  *pipeline.Metrics
	mux      http.Handler
	// localOnly reports whether r is permitted to reach /metrics.
	localOnly func(r *http.Request) bool
}

// New constructs a Server. metrics may be nil, in which case /metrics
// reports all-zero counters. localOnly gates access to /metrics; pass nil to
// allow any client. Pass [github.com/distr1/debuginfod/internal/xnet.IsLocalhost]
// to restrict /metrics to same-machine callers.
func New(index Lookup, tool Realiser, metrics *pipeline.Metrics, localOnly func(r *http.Request) bool) *Server {
	if metrics == nil {
		metrics = pipeline.NewMetrics()
	}
	srv := &Server{
		index:     index,
		tool:      tool,
		metrics:   metrics,
		localOnly: localOnly,
	}

	mux := http.NewServeMux()
	mux.Handle("/buildid/{id}/debuginfo", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.serveDebuginfo),
		http.MethodHead: http.HandlerFunc(srv.serveDebuginfo),
	})
	mux.Handle("/buildid/{id}/executable", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.serveExecutable),
		http.MethodHead: http.HandlerFunc(srv.serveExecutable),
	})
	mux.Handle("/buildid/{id}/source/{path...}", handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(srv.serveSource),
		http.MethodHead: http.HandlerFunc(srv.serveSource),
	})
	mux.Handle("/buildid/{id}/section/{name}", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(srv.serveSection),
	})
	mux.Handle("/metrics", handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(srv.serveMetrics),
	})

	srv.mux = handlers.CombinedLoggingHandler(os.Stderr, mux)
	return srv
}

// ServeHTTP implements http.Handler.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.mux.ServeHTTP(w, r)
}

func (srv *Server) serveDebuginfo(w http.ResponseWriter, r *http.Request) {
	srv.serveByBuildID(w, r, srv.index.GetDebuginfo)
}

func (srv *Server) serveExecutable(w http.ResponseWriter, r *http.Request) {
	srv.serveByBuildID(w, r, srv.index.GetExecutable)
}

func (srv *Server) serveByBuildID(w http.ResponseWriter, r *http.Request, lookup func(ctx context.Context, buildID string) (string, bool, error)) {
	ctx := r.Context()
	buildID := r.PathValue("id")
	path, ok, err := lookup(ctx, buildID)
	if err != nil {
		log.Errorf(ctx, "look up build-id %s: %v", buildID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok || path == "" {
		http.NotFound(w, r)
		return
	}
	if err := srv.tool.Realise(ctx, path); err != nil {
		log.Debugf(ctx, "realise %s for build-id %s: %v", path, buildID, err)
		http.NotFound(w, r)
		return
	}
	serveFile(w, r, path)
}

func (srv *Server) serveSource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	buildID := r.PathValue("id")
	rel := r.PathValue("path")

	source, ok, err := srv.index.GetSource(ctx, buildID)
	if err != nil {
		log.Errorf(ctx, "look up source for build-id %s: %v", buildID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok || source == "" {
		http.NotFound(w, r)
		return
	}
	if err := srv.tool.Realise(ctx, source); err != nil {
		log.Debugf(ctx, "realise %s for build-id %s source: %v", source, buildID, err)
		http.NotFound(w, r)
		return
	}

	resolved, err := resolveWithinTree(source, rel)
	if err != nil {
		log.Debugf(ctx, "resolve source path %q within %s: %v", rel, source, err)
		http.NotFound(w, r)
		return
	}
	serveFile(w, r, resolved)
}

// resolveWithinTree joins root and rel, rejecting any result that would
// escape root via ".." segments. Symlink traversal is intentionally not
// defended against beyond path cleaning: store paths are assumed to be
// produced by a trusted build system, not user input.
func resolveWithinTree(root, rel string) (string, error) {
	cleaned := filepath.Clean("/" + rel)
	joined := filepath.Join(root, cleaned)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes source tree", rel)
	}
	info, err := os.Stat(joined)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%q is a directory", rel)
	}
	return joined, nil
}

// serveSection implements GET /buildid/{id}/section/{name}: unconditionally
// 501. ELF section extraction is out of scope for this server.
func (srv *Server) serveSection(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "section retrieval not implemented", http.StatusNotImplemented)
}

func (srv *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if srv.localOnly != nil && !srv.localOnly(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s := srv.metrics.Snapshot()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "debuginfod_paths_scanned_total %d\n", s.PathsScanned)
	fmt.Fprintf(w, "debuginfod_entries_registered_total %d\n", s.EntriesRegistered)
	fmt.Fprintf(w, "debuginfod_scan_errors_total %d\n", s.ScanErrors)
	fmt.Fprintf(w, "debuginfod_batches_completed_total %d\n", s.BatchesCompleted)
}

// serveFile streams path to w, honoring a single Range header following
// internal/rangeheader's contract, the same way cmd/zb/serve_ui.go's
// showLog streams build logs.
func serveFile(w http.ResponseWriter, r *http.Request, path string) {
	ctx := r.Context()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		log.Errorf(ctx, "open %s: %v", path, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Errorf(ctx, "stat %s: %v", path, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	size := info.Size()

	spec := rangeheader.StartingAt(0)
	if rangeSpecs, err := rangeheader.Parse(r.Header.Get("Range")); err != nil {
		http.Error(w, "invalid Range header: "+err.Error(), http.StatusBadRequest)
		return
	} else if len(rangeSpecs) > 1 {
		http.Error(w, "only one Range specifier permitted", http.StatusUnprocessableEntity)
		return
	} else if len(rangeSpecs) == 1 {
		spec = rangeSpecs[0]
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Accept-Ranges", "bytes")

	if _, hasEnd := spec.End(); spec.Start() == 0 && !hasEnd {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, f); err != nil {
			log.Debugf(ctx, "stream %s: %v", path, err)
		}
		return
	}

	resolved, ok := spec.Resolve(size)
	if !ok {
		h.Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
		http.Error(w, fmt.Sprintf("range not satisfiable with %d bytes available", size), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	h.Set("Content-Range", "bytes "+resolved.String()+"/"+strconv.FormatInt(size, 10))
	length, _ := resolved.Size()
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := f.Seek(resolved.Start(), io.SeekStart); err != nil {
		log.Debugf(ctx, "seek %s: %v", path, err)
		return
	}
	if _, err := io.CopyN(w, f, length); err != nil && !errors.Is(err, io.EOF) {
		log.Debugf(ctx, "stream %s: %v", path, err)
	}
}
