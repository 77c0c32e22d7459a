// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/distr1/debuginfod/internal/config"
	"github.com/distr1/debuginfod/internal/frontend"
	"github.com/distr1/debuginfod/internal/index"
	"github.com/distr1/debuginfod/internal/pipeline"
	"github.com/distr1/debuginfod/internal/scan"
	"github.com/distr1/debuginfod/internal/storeadapter"
	"github.com/distr1/debuginfod/internal/xnet"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

const shutdownGrace = 10 * time.Second

func newServeCommand(configPaths *[]string) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve [options]",
		Short:                 "scan the store and serve debuginfod retrieval requests",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if err := cfg.MergeFiles(slices.Values(*configPaths)); err != nil {
			return err
		}
		if err := cfg.MergeEnvironment(); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	}
	return c
}

func runServe(ctx context.Context, cfg *config.Config) error {
	cache := index.Open(cfg.CacheDB)
	defer func() {
		if err := cache.Close(); err != nil {
			log.Errorf(ctx, "close index: %v", err)
		}
	}()

	tool := &storeadapter.ExecTool{Path: cfg.StoreTool}
	db := &storeadapter.DB{
		Path:        cfg.ValidPathsDB,
		StorePrefix: cfg.StoreDir,
	}

	scanFunc := func(ctx context.Context, storePath string, sink func(entry index.Entry)) error {
		return scan.Scan(ctx, tool, storePath, scan.Sink(sink))
	}

	metrics := pipeline.NewMetrics()
	coord := pipeline.New(db, cache, scanFunc, metrics)

	frontendSrv := frontend.New(cache, tool, metrics, xnet.IsLocalhost)

	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	defer l.Close()

	httpServer := &http.Server{
		Handler: frontendSrv,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- coord.Run(ctx)
	}()
	go func() {
		log.Infof(ctx, "Listening on %s", cfg.ListenAddr)
		if err := httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	go func() {
		select {
		case <-coord.FirstPassDone():
		case <-ctx.Done():
			return
		}
		if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.Warnf(ctx, "sd_notify READY=1: %v", err)
		} else if sent {
			log.Debugf(ctx, "sent sd_notify READY=1")
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, "shut down HTTP server: %v", err)
	}

	return nil
}
