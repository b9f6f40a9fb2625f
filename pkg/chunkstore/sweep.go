// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"
)

const (
	// DefaultMaxAge is how long an upload may sit without new chunks before it is swept.
	DefaultMaxAge = 24 * time.Hour
	// DefaultSweepInterval is how often the sweeper runs.
	DefaultSweepInterval = time.Hour
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval time.Duration // 0 means DefaultSweepInterval
	MaxAge   time.Duration // 0 means DefaultMaxAge
	// Concurrency bounds parallel directory removals. 0 means 4.
	Concurrency int
	// OnRemoved is called for every swept upload.
	OnRemoved func(uploadID string, age time.Duration)
}

// Sweeper removes staging directories of abandoned uploads.
type Sweeper struct {
	store       *Store
	interval    time.Duration
	maxAge      time.Duration
	concurrency int
	onRemoved   func(string, time.Duration)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// now is swapped in tests
	now func() time.Time
}

// NewSweeper creates a sweeper for s.
func NewSweeper(s *Store, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Sweeper{
		store:       s,
		interval:    cfg.Interval,
		maxAge:      cfg.MaxAge,
		concurrency: cfg.Concurrency,
		onRemoved:   cfg.OnRemoved,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Start runs the sweep loop in a goroutine. The first pass runs immediately.
func (sw *Sweeper) Start() {
	sw.wg.Add(1)
	go func() {
		defer sw.wg.Done()
		sw.RunOnce()

		ticker := time.NewTicker(utils.Jitter(sw.interval, 0.1))
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sw.RunOnce()
			case <-sw.stopCh:
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it.
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() { close(sw.stopCh) })
	sw.wg.Wait()
}

// RunOnce performs a single sweep and returns the number of uploads removed.
// Uploads whose lock is held are in use and skipped.
func (sw *Sweeper) RunOnce() int {
	sweepRunsTotal.Inc()
	now := sw.now()

	entries, err := os.ReadDir(sw.store.cfg.ChunkDir)
	if err != nil {
		logger.Error().Err(err).Str("dir", sw.store.cfg.ChunkDir).Msg("sweeper: failed to read chunk dir")
		return 0
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, sw.concurrency)
	var removed atomic.Int64

	for _, e := range entries {
		if !e.IsDir() || !utils.ValidID(e.Name()) {
			continue
		}
		uploadID := e.Name()

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if age, ok := sw.sweepUpload(uploadID, now); ok {
				removed.Add(1)
				sweepRemovedTotal.Inc()
				if sw.onRemoved != nil {
					sw.onRemoved(uploadID, age)
				}
			}
		}()
	}
	wg.Wait()

	sw.sweepTempFiles(now)
	sw.pruneLocks()

	n := int(removed.Load())
	if n > 0 {
		logger.Info().
			Int("removed", n).
			Dur("max_age", sw.maxAge).
			Msg("sweeper: removed stale uploads")
	}
	return n
}

func (sw *Sweeper) sweepUpload(uploadID string, now time.Time) (time.Duration, bool) {
	mu := sw.store.lock(uploadID)
	if !mu.TryLock() {
		return 0, false
	}
	defer mu.Unlock()

	dir := sw.store.uploadDir(uploadID)
	newest, err := newestModTime(dir)
	if err != nil {
		logger.Warn().Err(err).Str("upload_id", uploadID).Msg("sweeper: failed to stat upload")
		return 0, false
	}
	age := now.Sub(newest)
	if age < sw.maxAge {
		return 0, false
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Error().Err(err).Str("upload_id", uploadID).Msg("sweeper: failed to remove upload")
		return 0, false
	}
	logger.Debug().Str("upload_id", uploadID).Dur("age", age).Msg("sweeper: removed stale upload")
	return age, true
}

// sweepTempFiles removes leftover assembly temp files from the per-upload media dirs.
func (sw *Sweeper) sweepTempFiles(now time.Time) {
	matches, _ := filepath.Glob(filepath.Join(sw.store.cfg.MediaDir, "*", ".assemble-*.tmp"))
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil || now.Sub(info.ModTime()) < sw.maxAge {
			continue
		}
		if err := os.Remove(p); err == nil {
			logger.Debug().Str("path", p).Msg("sweeper: removed stale temp file")
		}
	}
}

// pruneLocks drops lock entries of uploads that no longer have a staging dir.
func (sw *Sweeper) pruneLocks() {
	sw.store.locks.DeleteIf(func(uploadID string, mu *sync.Mutex) bool {
		if _, err := os.Stat(sw.store.uploadDir(uploadID)); !os.IsNotExist(err) {
			return false
		}
		if !mu.TryLock() {
			return false
		}
		mu.Unlock()
		return true
	})
}

// newestModTime returns the latest mtime among dir and its regular files.
func newestModTime(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	for _, e := range entries {
		if e.IsDir() || !(strings.HasPrefix(e.Name(), chunkPrefix) || strings.HasPrefix(e.Name(), ".")) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}
