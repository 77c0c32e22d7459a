// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package config loads debuginfod-indexd's configuration from a HuJSON file
// (JSON with comments and trailing commas) with environment-variable
// overrides.
package config

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
	"go4.org/xdgdir"
)

// Config holds every tunable needed to run debuginfod-indexd.
type Config struct {
	Debug bool `json:"debug"`

	// StoreDir is the root directory of the content-addressed package
	// store that the indexer scans.
	StoreDir string `json:"storeDirectory"`
	// StoreTool is the path to the store administration executable used
	// for realise/query --deriver/query --outputs.
	StoreTool string `json:"storeTool"`
	// ValidPathsDB is the path to the store's read-only ValidPaths
	// metadata SQLite database.
	ValidPathsDB string `json:"validPathsDB"`

	// CacheDB is the path to this process's own persistent build-id
	// index database.
	CacheDB string `json:"cacheDB"`

	// ListenAddr is the address the HTTP retrieval front-end binds to.
	ListenAddr string `json:"listenAddr"`
}

// Default returns the configuration used when no config file and no
// environment overrides are present.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8080",
		CacheDB:    filepath.Join(defaultCacheDir(), "debuginfod-indexd", "index.db"),
	}
}

func defaultCacheDir() string {
	if dir := xdgdir.Cache.Path(); dir != "" {
		return dir
	}
	return "."
}

// MergeFiles reads each HuJSON config file in paths that exists, applying
// its fields on top of c in order. Missing files are silently skipped.
func (c *Config) MergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, c, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}
	return nil
}

// Environment variable names consulted by [Config.MergeEnvironment].
const (
	EnvDebug        = "DEBUGINFOD_DEBUG"
	EnvStoreDir     = "DEBUGINFOD_STORE_DIR"
	EnvStoreTool    = "DEBUGINFOD_STORE_TOOL"
	EnvValidPathsDB = "DEBUGINFOD_VALID_PATHS_DB"
	EnvCacheDB      = "DEBUGINFOD_CACHE_DB"
	EnvListenAddr   = "DEBUGINFOD_LISTEN_ADDR"
)

// MergeEnvironment applies environment-variable overrides on top of c,
// mirroring cmd/zb/config.go's mergeEnvironment.
func (c *Config) MergeEnvironment() error {
	if v := os.Getenv(EnvDebug); v != "" {
		c.Debug = v != "0" && v != "false"
	}
	if v := os.Getenv(EnvStoreDir); v != "" {
		c.StoreDir = v
	}
	if v := os.Getenv(EnvStoreTool); v != "" {
		c.StoreTool = v
	}
	if v := os.Getenv(EnvValidPathsDB); v != "" {
		c.ValidPathsDB = v
	}
	if v := os.Getenv(EnvCacheDB); v != "" {
		c.CacheDB = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
	return nil
}

// Validate checks that c has enough information to start the indexer.
func (c *Config) Validate() error {
	if c.StoreDir == "" {
		return fmt.Errorf("store directory not set (config storeDirectory or %s)", EnvStoreDir)
	}
	if !filepath.IsAbs(c.StoreDir) {
		return fmt.Errorf("store directory %q is not absolute", c.StoreDir)
	}
	if c.StoreTool == "" {
		return fmt.Errorf("store tool not set (config storeTool or %s)", EnvStoreTool)
	}
	if c.ValidPathsDB == "" {
		return fmt.Errorf("ValidPaths database not set (config validPathsDB or %s)", EnvValidPathsDB)
	}
	if c.CacheDB == "" {
		return fmt.Errorf("cache database not set (config cacheDB or %s)", EnvCacheDB)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address not set (config listenAddr or %s)", EnvListenAddr)
	}
	return nil
}
