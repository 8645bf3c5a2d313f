package larch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/hlog"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/index"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/meta"
	"github.com/ValentinKolb/hKV/lib/db/epoch"
	"github.com/ValentinKolb/hKV/lib/db/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("larch")

const (
	logDirName  = "log"
	metaDirName = "meta"

	// epoch slots reserved for system goroutines (metadata walks, index sweep, compaction)
	systemSlots = 4
)

// --------------------------------------------------------------------------
// Core Larch database structure
// --------------------------------------------------------------------------

// larchImpl is a key-value engine built from a hybrid log, a lock-free hash index
// and epoch protection. All data access goes through sessions.
type larchImpl struct {
	opts DBOptions

	epoch  *epoch.Framework
	device hlog.Device
	log    *hlog.Log
	index  *index.Index
	meta   *meta.Store
	hook   db.MutationHook

	version atomic.Uint32 // version of records written now, bumped by every checkpoint
	phase   atomic.Int32  // checkpointPhase

	// system operations (checkpoint, index grow, compaction) are serialized by sysMu,
	// sysGuard is only used while holding it
	sysMu    sync.Mutex
	sysGuard *epoch.Guard

	lastCheckpoint atomic.Pointer[CheckpointInfo]
	lastCkptTail   atomic.Uint64
	lastCkptTime   atomic.Int64

	sessions    *xsync.MapOf[uint64, *session]
	nextSession atomic.Uint64
	maxRecord   uint64

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics    *engineMetrics
	valueSizes *util.SizeHistogram
	recovery   recoveryInfo
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewLarchDB opens a larch instance with the specified options (optional).
// With opts.Recover the state of opts.DataDir is recovered, otherwise the data
// directory is reset.
//
// Thread-safety: Do not open the same data directory twice.
func NewLarchDB(opts *DBOptions) (db.KVDB, error) {
	larch, err := open(opts)
	if err != nil {
		return nil, err
	}
	return larch, nil
}

func open(opts *DBOptions) (_ *larchImpl, err error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if err := o.normalize(); err != nil {
		return nil, err
	}

	larch := &larchImpl{
		opts:       o,
		hook:       o.Hook,
		epoch:      epoch.New(o.MaxSessions + systemSlots),
		sessions:   xsync.NewMapOf[uint64, *session](),
		maxRecord:  uint64(1)<<o.PageBits - hlog.FirstValidAddress,
		valueSizes: util.NewSizeHistogram(),
	}
	larch.ctx, larch.cancel = context.WithCancel(context.Background())

	// release whatever was opened if a later step fails
	defer func() {
		if err != nil {
			larch.cancel()
			err = multierr.Append(err, larch.release())
		}
	}()

	if err := larch.openStorage(); err != nil {
		return nil, err
	}

	larch.log, err = hlog.New(hlog.Config{
		PageBits:     o.PageBits,
		MemoryPages:  o.MemoryPages,
		MutablePages: o.MutablePages,
		CachePages:   o.PageCacheSize,
		Device:       larch.device,
		Epoch:        larch.epoch,
	})
	if err != nil {
		return nil, err
	}
	larch.index = index.New(o.IndexBuckets, larch.epoch, &resolver{larch: larch})

	if larch.sysGuard, err = larch.epoch.Acquire(); err != nil {
		return nil, err
	}

	if o.Recover {
		if err := larch.recover(); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	larch.lastCkptTime.Store(now.UnixNano())
	larch.lastCkptTail.Store(larch.log.Tail())
	larch.metrics = newEngineMetrics(larch)

	larch.wg.Add(2)
	go larch.drainer()
	go larch.maintenance()

	Logger.Infof("%s: opened (dir=%q, buckets=%d, page=%d bytes, memory=%d pages, tail=%d)",
		o.Name, o.DataDir, larch.index.Size(), uint64(1)<<o.PageBits, o.MemoryPages, larch.log.Tail())
	return larch, nil
}

// openStorage opens the log device and the metadata store. Without recovery the
// data directory is reset first.
func (larch *larchImpl) openStorage() error {
	o := larch.opts
	if o.DataDir == "" {
		larch.device = hlog.NewMemDevice(uint64(1) << o.PageBits)
		store, err := meta.Open("")
		if err != nil {
			return err
		}
		larch.meta = store
		return nil
	}

	logDir := filepath.Join(o.DataDir, logDirName)
	metaDir := filepath.Join(o.DataDir, metaDirName)
	if !o.Recover {
		for _, dir := range []string{logDir, metaDir} {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("larch: reset %s: %w", dir, err)
			}
		}
	}

	device, err := hlog.NewFileDevice(logDir, uint64(1)<<o.PageBits, o.SegmentPages)
	if err != nil {
		return fmt.Errorf("%w: %w", db.ErrLogIO, err)
	}
	larch.device = device

	store, err := meta.Open(metaDir)
	if err != nil {
		return fmt.Errorf("%w: %w", db.ErrLogIO, err)
	}
	larch.meta = store
	return nil
}

// release closes all components that were opened, in reverse order
func (larch *larchImpl) release() error {
	var errs error
	if larch.sysGuard != nil {
		larch.sysGuard.Release()
	}
	if larch.log != nil {
		if err := larch.log.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: %w", db.ErrLogIO, err))
		}
	}
	if larch.device != nil {
		errs = multierr.Append(errs, larch.device.Close())
	}
	if larch.meta != nil {
		errs = multierr.Append(errs, larch.meta.Close())
	}
	if larch.metrics != nil {
		larch.metrics.unregister()
	}
	return errs
}

// --------------------------------------------------------------------------
// Chain resolution
// --------------------------------------------------------------------------

// resolver gives the index access to the record chains of the log
type resolver struct {
	larch *larchImpl
}

func (r *resolver) Resident(addr uint64) (uint64, uint64, bool) {
	l := r.larch.log
	if addr < l.Head() || addr < l.Begin() {
		return 0, 0, false
	}
	rec := l.Get(addr)
	return util.HashKey(rec.Key()), rec.Prev(), true
}

// Prev is only called by index snapshots, which run under sysMu
func (r *resolver) Prev(addr uint64) (uint64, error) {
	larch := r.larch
	g := larch.sysGuard
	g.Enter()
	if larch.log.InMemory(addr) {
		prev := larch.log.Get(addr).Prev()
		g.Exit()
		return prev, nil
	}
	g.Exit()

	rec, err := larch.fetch(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", db.ErrLogIO, err)
	}
	return rec.Prev(), nil
}

// fetch returns a validated record below head, from the page cache or the device.
// Blocks on I/O, the caller must not be protected.
func (larch *larchImpl) fetch(addr uint64) (hlog.Record, error) {
	if rec, ok, err := larch.log.Cached(addr); ok {
		return rec, err
	}
	page, err := larch.log.FetchPage(larch.log.Page(addr))
	if err != nil {
		return nil, err
	}
	return larch.log.RecordIn(page, addr)
}

// --------------------------------------------------------------------------
// Background goroutines
// --------------------------------------------------------------------------

// drainer runs deferred epoch actions when no session happens to leave its epoch
func (larch *larchImpl) drainer() {
	defer larch.wg.Done()
	ticker := time.NewTicker(defaultDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-larch.ctx.Done():
			return
		case <-ticker.C:
			larch.epoch.Drain()
		}
	}
}

// maintenance grows the index and takes automatic checkpoints
func (larch *larchImpl) maintenance() {
	defer larch.wg.Done()
	ticker := time.NewTicker(defaultMaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-larch.ctx.Done():
			return
		case <-ticker.C:
		}

		if larch.opts.AutoGrowIndex && larch.index.NeedsGrow() {
			if err := larch.GrowIndex(larch.ctx); err != nil && !larch.ignorable(err) {
				Logger.Warningf("%s: automatic index grow failed: %v", larch.opts.Name, err)
			}
		}

		if larch.checkpointDue() {
			if _, err := larch.Checkpoint(larch.ctx); err != nil && !larch.ignorable(err) {
				Logger.Errorf("%s: automatic checkpoint failed: %v", larch.opts.Name, err)
			}
		}
	}
}

// ignorable reports errors of background work that need no log line
func (larch *larchImpl) ignorable(err error) bool {
	return errors.Is(err, db.ErrCheckpointInProgress) ||
		errors.Is(err, db.ErrClosed) ||
		larch.ctx.Err() != nil
}

// checkpointDue evaluates the time and size based checkpoint triggers
func (larch *larchImpl) checkpointDue() bool {
	o := larch.opts
	if o.CheckpointInterval <= 0 && o.CheckpointLogBytes == 0 {
		return false
	}
	written := larch.log.Tail() - min(larch.log.Tail(), larch.lastCkptTail.Load())
	if written == 0 {
		return false
	}
	if o.CheckpointLogBytes > 0 && written >= o.CheckpointLogBytes {
		return true
	}
	since := time.Since(time.Unix(0, larch.lastCkptTime.Load()))
	return o.CheckpointInterval > 0 && since >= o.CheckpointInterval
}

// --------------------------------------------------------------------------
// System Operations
// --------------------------------------------------------------------------

// GrowIndex doubles the hash index. The new size is recorded before the resize so
// recovery replays the log into a table of the same size.
func (larch *larchImpl) GrowIndex(ctx context.Context) error {
	if larch.closed.Load() {
		return db.ErrClosed
	}
	larch.sysMu.Lock()
	defer larch.sysMu.Unlock()
	if checkpointPhase(larch.phase.Load()) != phaseIdle {
		return db.ErrCheckpointInProgress
	}

	start := time.Now()
	target := larch.index.Size() * 2
	if err := larch.meta.PutIndexBuckets(target); err != nil {
		return fmt.Errorf("%w: record index size: %w", db.ErrLogIO, err)
	}
	if err := larch.index.Grow(ctx); err != nil {
		return err
	}
	larch.metrics.growDuration.UpdateDuration(start)
	Logger.Infof("%s: index grew to %d buckets in %v", larch.opts.Name, target, time.Since(start))
	return nil
}

// --------------------------------------------------------------------------
// KVDB Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

// GetInfo returns statistics about the database
func (larch *larchImpl) GetInfo() db.DatabaseInfo {
	l := larch.log
	begin, tail := l.Begin(), l.Tail()

	details := &struct {
		Name            string          `json:"name"`
		DataDir         string          `json:"data_dir"`
		Begin           uint64          `json:"begin"`
		Head            uint64          `json:"head"`
		ReadOnly        uint64          `json:"read_only"`
		Flushed         uint64          `json:"flushed"`
		Tail            uint64          `json:"tail"`
		Version         uint32          `json:"version"`
		CheckpointPhase string          `json:"checkpoint_phase"`
		LastCheckpoint  *CheckpointInfo `json:"last_checkpoint,omitempty"`
		Recovery        recoveryInfo    `json:"recovery"`
		Sessions        int             `json:"sessions"`
		Epoch           uint64          `json:"epoch"`
		PendingActions  int             `json:"pending_epoch_actions"`
		Log             hlog.Stats      `json:"log"`
		Index           index.Stats     `json:"index"`
		MedianValueSize int             `json:"median_value_size"`
		AvgValueSize    int             `json:"avg_value_size"`
	}{
		Name:            larch.opts.Name,
		DataDir:         larch.opts.DataDir,
		Begin:           begin,
		Head:            l.Head(),
		ReadOnly:        l.ReadOnly(),
		Flushed:         l.Flushed(),
		Tail:            tail,
		Version:         larch.version.Load(),
		CheckpointPhase: checkpointPhase(larch.phase.Load()).String(),
		LastCheckpoint:  larch.lastCheckpoint.Load(),
		Recovery:        larch.recovery,
		Sessions:        larch.sessions.Size(),
		Epoch:           larch.epoch.Current(),
		PendingActions:  larch.epoch.Pending(),
		Log:             l.Stats(),
		Index:           larch.index.Stats(),
		MedianValueSize: larch.valueSizes.MedianEstimate(),
		AvgValueSize:    larch.valueSizes.AverageSize(),
	}

	return db.DatabaseInfo{
		SizeBytes:         int(tail - begin),
		DbType:            db.ImplLarch,
		SupportedFeatures: supportedFeatures,
		Metadata:          details,
	}
}

var supportedFeatures = []db.Feature{
	db.FeatureRead, db.FeatureUpsert, db.FeatureRMW, db.FeatureDelete,
	db.FeatureCheckpoint, db.FeatureRecover,
	db.FeatureGrowIndex, db.FeatureCompact,
	db.FeatureNotify,
}

// SupportsFeature checks if this implementation supports a specific KVDB feature
func (larch *larchImpl) SupportsFeature(feature db.Feature) bool {
	var all db.Feature
	for _, f := range supportedFeatures {
		all |= f
	}
	return all&feature == feature
}

// Close stops the background goroutines, flushes the log and records the durable
// log position. Sessions that are still open fail with ErrClosed afterwards.
func (larch *larchImpl) Close() error {
	if !larch.closed.CompareAndSwap(false, true) {
		return nil
	}
	larch.cancel()
	larch.wg.Wait()

	larch.sysMu.Lock()
	defer larch.sysMu.Unlock()

	var errs error
	if larch.opts.DataDir != "" {
		errs = larch.persistOnClose()
	}

	larch.sessions.Range(func(_ uint64, s *session) bool {
		s.invalidate()
		return true
	})
	if errs != nil {
		// the flush error is sticky and would be reported twice
		_ = larch.log.Close()
		larch.log = nil
	}
	errs = multierr.Append(errs, larch.release())
	Logger.Infof("%s: closed", larch.opts.Name)
	return errs
}

func (larch *larchImpl) persistOnClose() error {
	cut, err := larch.log.FlushAll(context.Background())
	if err != nil {
		return fmt.Errorf("%w: flush on close: %w", db.ErrLogIO, err)
	}
	if err := larch.device.Sync(); err != nil {
		return fmt.Errorf("%w: sync on close: %w", db.ErrLogIO, err)
	}
	return larch.meta.PutLogState(meta.LogState{
		Begin:   larch.log.Begin(),
		Tail:    cut,
		Version: larch.version.Load(),
	})
}
