// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package pipeline implements the producer/consumer pipeline that keeps the
// build-id index current: a poller discovers newly registered store paths,
// a fixed-size pool of scan workers classifies each path into index
// entries, and a writer task persists those entries. A batch barrier holds
// back the watermark commit until every scan in the batch has finished and
// handed its entries to the writer task; the writer may still be persisting
// those entries when the watermark is committed.
package pipeline

import (
	"context"
	"time"

	"github.com/distr1/debuginfod/internal/index"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

// numWorkers is the size of the blocking scan pool.
const numWorkers = 8

// channelCapacity bounds pathCh, doneCh and entryCh. It is larger than the
// biggest batch [github.com/distr1/debuginfod/internal/storeadapter.DB]
// returns (100 paths), so the poller can queue a whole batch before it
// starts waiting on the batch barrier.
const channelCapacity = 200

const (
	errorBackoff = 1 * time.Second
	emptyBackoff = 60 * time.Second
)

// Store is the subset of the store metadata reader the coordinator depends
// on. Satisfied by [github.com/distr1/debuginfod/internal/storeadapter.DB].
type Store interface {
	PathsRegisteredBetween(ctx context.Context, lo int64) (paths []string, newLo int64, err error)
}

// Cache is the subset of the persistent index the coordinator depends on.
// Satisfied by [github.com/distr1/debuginfod/internal/index.Cache].
type Cache interface {
	Register(ctx context.Context, entry index.Entry) error
	GetRegistrationTimestamp(ctx context.Context) (int64, error)
	SetRegistrationTimestamp(ctx context.Context, t int64) error
}

// ScanFunc classifies one store path, emitting entries to sink. Satisfied by
// [github.com/distr1/debuginfod/internal/scan.Scan] with its tool argument
// bound.
type ScanFunc func(ctx context.Context, storePath string, sink func(index.Entry)) error

// Coordinator runs the poll/scan/register pipeline described above. The zero
// value is not usable; use [New].
type Coordinator struct {
	store Cache
	db    Store
	scan  ScanFunc

	pathCh  chan string
	doneCh  chan struct{}
	entryCh chan index.Entry

	inFlight inFlight

	// firstPassDone is closed once the poller has completed its first
	// batch (including the empty-batch case), so main can delay process
	// readiness notification until the index reflects at least one poll.
	firstPassDone chan struct{}

	metrics *Metrics
}

// New constructs a Coordinator. The returned Coordinator does not start
// running until [Coordinator.Run] is called.
func New(db Store, cache Cache, scan ScanFunc, metrics *Metrics) *Coordinator {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Coordinator{
		store:         cache,
		db:            db,
		scan:          scan,
		pathCh:        make(chan string, channelCapacity),
		doneCh:        make(chan struct{}, channelCapacity),
		entryCh:       make(chan index.Entry, channelCapacity),
		firstPassDone: make(chan struct{}),
		metrics:       metrics,
	}
}

// FirstPassDone returns a channel that is closed once the poller has
// completed its first poll (a committed batch, an empty result, or a failed
// query), suitable for gating
// process readiness notification.
func (c *Coordinator) FirstPassDone() <-chan struct{} {
	return c.firstPassDone
}

// Run drives the pipeline until ctx is canceled. It always returns a
// non-nil error on exit except when ctx's cancellation is the sole cause, in
// which case it returns ctx.Err().
func (c *Coordinator) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		c.runWriter(ctx)
		return nil
	})
	eg.Go(func() error {
		c.runDispatcher(ctx)
		return nil
	})
	eg.Go(func() error {
		return c.runPoller(ctx)
	})

	return eg.Wait()
}

// runWriter drains entryCh into the cache, one entry at a time, for as long
// as ctx is live. It is the sole writer to the cache's Register method, so
// writes are always serialized.
func (c *Coordinator) runWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-c.entryCh:
			if err := c.store.Register(ctx, entry); err != nil {
				log.Errorf(ctx, "register build-id %s: %v", entry.BuildID, err)
				continue
			}
			c.metrics.entriesRegistered.Add(1)
		}
	}
}

// runDispatcher blocking-receives paths from pathCh and submits scan jobs to
// a fixed-size worker pool, grounded on distr1-distri's batch.go scheduler:
// N long-lived worker goroutines ranging over a jobs channel.
func (c *Coordinator) runDispatcher(ctx context.Context) {
	jobs := make(chan string)
	defer close(jobs)

	for i := 0; i < numWorkers; i++ {
		go func() {
			for path := range jobs {
				c.runScan(ctx, path)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case path := <-c.pathCh:
			if !c.inFlight.tryAdd(path) {
				// Already being scanned from a previous batch; still
				// owe the poller a completion signal for this batch's
				// barrier count.
				c.doneCh <- struct{}{}
				continue
			}
			jobs <- path
		}
	}
}

func (c *Coordinator) runScan(ctx context.Context, path string) {
	defer c.inFlight.remove(path)
	defer func() { c.doneCh <- struct{}{} }()

	jobID := uuid.New()
	log.Debugf(ctx, "scan job=%s path=%s starting", jobID, path)
	if err := c.scan(ctx, path, func(e index.Entry) {
		select {
		case c.entryCh <- e:
		case <-ctx.Done():
		}
	}); err != nil {
		log.Errorf(ctx, "scan job=%s path=%s: %v", jobID, path, err)
		c.metrics.scanErrors.Add(1)
		return
	}
	c.metrics.pathsScanned.Add(1)
	log.Debugf(ctx, "scan job=%s path=%s done", jobID, path)
}

// runPoller loads the watermark, then forever polls for new batches,
// dispatches each path in the batch, awaits the batch barrier, and commits
// the new watermark.
func (c *Coordinator) runPoller(ctx context.Context) error {
	watermark, err := c.store.GetRegistrationTimestamp(ctx)
	if err != nil {
		return err
	}

	firstPass := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batchID := uuid.New()
		paths, newWatermark, err := c.db.PathsRegisteredBetween(ctx, watermark)
		if err != nil {
			log.Errorf(ctx, "batch=%s poll at watermark %d: %v", batchID, watermark, err)
			if firstPass {
				close(c.firstPassDone)
				firstPass = false
			}
			if !c.sleep(ctx, errorBackoff) {
				return ctx.Err()
			}
			continue
		}

		if len(paths) == 0 {
			log.Debugf(ctx, "batch=%s no new store paths since watermark %d", batchID, watermark)
			if firstPass {
				close(c.firstPassDone)
				firstPass = false
			}
			if !c.sleep(ctx, emptyBackoff) {
				return ctx.Err()
			}
			continue
		}

		log.Infof(ctx, "batch=%s dispatching %d store path(s)", batchID, len(paths))
		for _, p := range paths {
			select {
			case c.pathCh <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for i := 0; i < len(paths); i++ {
			select {
			case <-c.doneCh:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.store.SetRegistrationTimestamp(ctx, newWatermark); err != nil {
			log.Errorf(ctx, "batch=%s commit watermark %d: %v", batchID, newWatermark, err)
		} else {
			watermark = newWatermark
		}
		c.metrics.batchesCompleted.Add(1)
		log.Infof(ctx, "batch=%s committed watermark=%d", batchID, watermark)

		if firstPass {
			close(c.firstPassDone)
			firstPass = false
		}
	}
}

// sleep waits for d or ctx cancellation, reporting whether it slept the
// full duration (false means ctx was canceled).
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
