// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Command debuginfod-indexd serves ELF build-id lookups over HTTP by
// continuously scanning a content-addressed package store and answering the
// debuginfod retrieval protocol from a persistent index.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go4.org/xdgdir"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "debuginfod-indexd",
		Short:         "ELF build-id index and debuginfod retrieval server",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	var configPaths []string
	rootCommand.PersistentFlags().StringArrayVar(&configPaths, "config", defaultConfigPaths(), "`path` to a HuJSON configuration file (may be repeated)")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(newServeCommand(&configPaths))

	// zombiezen.com/go/bass/sigterm is not wired into this module (see
	// DESIGN.md), so the termination signal set is spelled out directly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func defaultConfigPaths() []string {
	var paths []string
	if dir := xdgdir.Config.Path(); dir != "" {
		paths = append(paths, filepath.Join(dir, "debuginfod-indexd", "config.hujson"))
	}
	paths = append(paths, "/etc/debuginfod-indexd/config.hujson")
	return paths
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "debuginfod-indexd: ", log.StdFlags, nil),
		})
	})
}
