package larch

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/hlog"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/meta"
)

// Compact moves the begin of the log to until (rounded down to a page and limited
// to the flushed part of the log) and returns the new begin.
//
// Live records below until are appended again, tombstones are dropped: every
// older version of a deleted key lies below until as well. The new begin is made
// durable before device pages are removed, recovery never needs a removed page.
func (larch *larchImpl) Compact(ctx context.Context, until uint64) (uint64, error) {
	if larch.closed.Load() {
		return 0, db.ErrClosed
	}
	larch.sysMu.Lock()
	defer larch.sysMu.Unlock()
	if checkpointPhase(larch.phase.Load()) != phaseIdle {
		return 0, db.ErrCheckpointInProgress
	}

	start := time.Now()
	l := larch.log
	begin := l.Begin()
	until = min(until, l.Flushed()) &^ (l.PageSize() - 1)
	if until <= begin {
		return begin, nil
	}

	copied, err := larch.copyLive(ctx, begin, until)
	if err != nil {
		return begin, err
	}

	// the copies must be durable before the originals disappear
	tail, err := l.FlushAll(ctx)
	if err != nil {
		return begin, fmt.Errorf("%w: compaction flush: %w", db.ErrLogIO, err)
	}
	if err := larch.device.Sync(); err != nil {
		return begin, fmt.Errorf("%w: compaction sync: %w", db.ErrLogIO, err)
	}
	if err := larch.meta.PutLogState(meta.LogState{Begin: until, Tail: tail, Version: larch.version.Load()}); err != nil {
		return begin, fmt.Errorf("%w: %w", db.ErrLogIO, err)
	}
	pruned, err := larch.meta.PruneBelow(until)
	if err != nil {
		return begin, fmt.Errorf("%w: %w", db.ErrLogIO, err)
	}

	// sessions that still read below until finish before the pages go away
	if err := l.AwaitEpoch(ctx, l.ShiftBegin(until)); err != nil {
		return until, err
	}
	if err := l.TruncateDevice(); err != nil {
		return until, fmt.Errorf("%w: truncate: %w", db.ErrLogIO, err)
	}
	reclaimed := larch.index.ReclaimBelow(until)

	larch.metrics.compactDuration.UpdateDuration(start)
	Logger.Infof("%s: compacted [%d, %d): %d records copied, %d index entries reclaimed, %d checkpoints pruned in %v",
		larch.opts.Name, begin, until, copied, reclaimed, pruned, time.Since(start))
	return until, nil
}

// copyLive re-appends every record in [from, until) that still is the newest
// version of its key
func (larch *larchImpl) copyLive(ctx context.Context, from, until uint64) (int, error) {
	s, err := larch.newSession()
	if err != nil {
		return 0, err
	}
	defer s.release()

	var (
		copied  int
		copyErr error
	)
	err = larch.log.Scan(from, until, func(addr uint64, rec hlog.Record) error {
		if rec.Invalid() || rec.Tombstone() {
			return nil
		}
		if copyErr = ctx.Err(); copyErr != nil {
			return copyErr
		}
		ok, err := s.copyRecord(rec.Key(), rec.Value(), addr)
		if ok {
			copied++
		}
		copyErr = err
		return err
	})
	if copyErr != nil {
		return copied, copyErr
	}
	if err != nil {
		return copied, fmt.Errorf("%w: compaction scan: %w", db.ErrLogIO, err)
	}
	return copied, nil
}
