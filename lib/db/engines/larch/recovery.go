package larch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/hlog"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/index"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/meta"
	"github.com/ValentinKolb/hKV/lib/db/util"
)

// recoveryInfo describes what the last recovery did
type recoveryInfo struct {
	Recovered  bool          `json:"recovered"`
	Token      string        `json:"token,omitempty"`
	Skipped    int           `json:"skipped_checkpoints"`
	From       uint64        `json:"from"`
	Until      uint64        `json:"until"`
	Replayed   int           `json:"replayed_records"`
	Invalid    int           `json:"invalid_records"`
	IndexItems int           `json:"index_entries"`
	Duration   time.Duration `json:"duration"`
}

func fatal(format string, args ...any) error {
	return fmt.Errorf("%w: %s", db.ErrRecoveryFatal, fmt.Sprintf(format, args...))
}

// recover restores the index from a checkpoint and replays the log behind its cut.
// It runs before the engine is used.
//
// The log is replayed up to the largest durable address that was recorded, either
// by a clean shutdown or compaction (log state) or by a checkpoint (flushed until).
// With an explicit token the state of exactly that checkpoint is restored and every
// newer checkpoint is dropped.
func (larch *larchImpl) recover() error {
	start := time.Now()
	l := larch.log
	name := larch.opts.Name

	ls, err := larch.meta.LogState()
	if err != nil && !errors.Is(err, meta.ErrNotFound) {
		return fatal("read log state: %v", err)
	}
	begin := max(uint64(hlog.FirstValidAddress), ls.Begin)

	buckets, err := larch.meta.IndexBuckets()
	if err != nil && !errors.Is(err, meta.ErrNotFound) {
		return fatal("read index size: %v", err)
	}

	cps, err := larch.meta.Checkpoints()
	if err != nil {
		return fatal("list checkpoints: %v", err)
	}

	cp, skipped, err := larch.restoreIndex(cps, begin)
	if err != nil {
		return err
	}

	from, until := begin, ls.Tail
	for _, c := range cps {
		if c.Complete {
			until = max(until, c.FlushedUntil)
		}
	}
	if cp != nil {
		from = cp.Cut
		if larch.opts.RecoverToken != "" {
			until = cp.Cut
			if err := larch.dropNewer(cps, cp); err != nil {
				return err
			}
		}
	}
	until = max(until, from)
	larch.version.Store(ls.Version)
	if cp != nil {
		larch.version.Store(max(ls.Version, cp.Version+1))
	}

	// records behind until are abandoned, the rest of its page must never be read again
	if err := l.Seal(until); err != nil {
		return fatal("seal log at %d: %v", until, err)
	}
	l.Restore(begin, until)

	// records behind the cut may have been written after the index grew
	target := max(buckets, larch.opts.IndexBuckets)
	for larch.index.Size() < target {
		if err := larch.index.Grow(context.Background()); err != nil {
			return fatal("grow index to %d buckets: %v", target, err)
		}
	}

	// replay
	info := recoveryInfo{Recovered: true, Skipped: skipped, From: from, Until: until}
	if cp != nil {
		info.Token = cp.Token
	}
	maxVersion := larch.version.Load()
	err = l.Scan(from, until, func(addr uint64, rec hlog.Record) error {
		if rec.Invalid() {
			info.Invalid++
			return nil
		}
		larch.index.Relink(util.HashKey(rec.Key()), addr)
		maxVersion = max(maxVersion, rec.Version()+1)
		info.Replayed++
		return nil
	})
	if err != nil {
		return fatal("replay [%d, %d): %v", from, until, err)
	}
	larch.version.Store(maxVersion)

	larch.index.ReclaimBelow(begin)
	if err := larch.meta.PutLogState(meta.LogState{Begin: begin, Tail: until, Version: maxVersion}); err != nil {
		return fatal("record log state: %v", err)
	}

	info.IndexItems = larch.index.Stats().Entries
	info.Duration = time.Since(start)
	larch.recovery = info
	Logger.Infof("%s: recovered checkpoint %q, replayed %d records in [%d, %d) (%d invalid, %d checkpoints skipped) in %v",
		name, info.Token, info.Replayed, from, until, info.Invalid, skipped, info.Duration)
	return nil
}

// restoreIndex loads the index of the checkpoint to recover from. Without an
// explicit token the newest usable checkpoint wins, unusable ones are skipped.
// Returns nil if there is no usable checkpoint.
func (larch *larchImpl) restoreIndex(cps []*meta.Checkpoint, begin uint64) (*meta.Checkpoint, int, error) {
	if token := larch.opts.RecoverToken; token != "" {
		cp, err := larch.meta.ByToken(token)
		if err != nil {
			return nil, 0, fatal("checkpoint %s: %v", token, err)
		}
		if err := larch.tryRestore(cp, begin); err != nil {
			return nil, 0, fatal("checkpoint %s: %v", token, err)
		}
		return cp, 0, nil
	}

	skipped := 0
	for _, cp := range cps {
		if !cp.Complete {
			continue
		}
		if err := larch.tryRestore(cp, begin); err != nil {
			Logger.Warningf("%s: skipping checkpoint %s: %v", larch.opts.Name, cp.Token, err)
			skipped++
			continue
		}
		return cp, skipped, nil
	}
	return nil, skipped, nil
}

func (larch *larchImpl) tryRestore(cp *meta.Checkpoint, begin uint64) error {
	if !cp.Complete {
		return errors.New("checkpoint is not complete")
	}
	if cp.Cut < begin {
		return fmt.Errorf("cut %d lies below the log begin %d", cp.Cut, begin)
	}
	blob, err := larch.meta.IndexBlob(cp.Seq)
	if err != nil {
		return err
	}
	if err := index.Verify(blob, cp.IndexChecksum); err != nil {
		return err
	}
	_, err = larch.index.Restore(blob, cp.IndexChecksum)
	return err
}

// dropNewer removes all checkpoints newer than cp, they describe an abandoned log
func (larch *larchImpl) dropNewer(cps []*meta.Checkpoint, cp *meta.Checkpoint) error {
	for _, c := range cps {
		if c.Seq <= cp.Seq {
			continue
		}
		if err := larch.meta.Remove(c); err != nil {
			return fatal("drop checkpoint %s: %v", c.Token, err)
		}
		Logger.Infof("%s: dropped checkpoint %s newer than %s", larch.opts.Name, c.Token, cp.Token)
	}
	return nil
}
