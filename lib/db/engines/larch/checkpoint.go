package larch

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/meta"
	"github.com/google/uuid"
)

// checkpointPhase is the state of the checkpoint state machine
type checkpointPhase int32

const (
	phaseIdle checkpointPhase = iota
	phaseRequested
	phaseIndexCheckpoint
	phaseWaitFlush
	phasePersistCallback
)

func (p checkpointPhase) String() string {
	switch p {
	case phaseIdle:
		return "IDLE"
	case phaseRequested:
		return "REQUESTED"
	case phaseIndexCheckpoint:
		return "INDEX_CHECKPOINT_IN_PROGRESS"
	case phaseWaitFlush:
		return "WAIT_FLUSH"
	case phasePersistCallback:
		return "PERSIST_CALLBACK"
	default:
		return "UNKNOWN"
	}
}

func (larch *larchImpl) setPhase(p checkpointPhase) {
	larch.phase.Store(int32(p))
}

// Checkpoint takes a consistent checkpoint and returns its token once it is
// durable.
//
// The cut is the tail at the time of the request. Once every session left the
// epoch in which readOnly was moved to the cut, no record below the cut can
// change anymore: the index snapshot walked back to the cut and the flushed log
// prefix describe exactly the state of all operations that committed below it.
func (larch *larchImpl) Checkpoint(ctx context.Context) (string, error) {
	if larch.closed.Load() {
		return "", db.ErrClosed
	}
	if !larch.phase.CompareAndSwap(int32(phaseIdle), int32(phaseRequested)) {
		return "", db.ErrCheckpointInProgress
	}
	defer larch.setPhase(phaseIdle)

	// a running index grow or compaction finishes first
	larch.sysMu.Lock()
	defer larch.sysMu.Unlock()

	start := time.Now()
	cp, err := larch.checkpoint(ctx)
	if err != nil {
		larch.metrics.checkpointFailures.Inc()
		return "", err
	}
	larch.metrics.checkpoints.Inc()
	larch.metrics.checkpointDuration.UpdateDuration(start)

	info := &CheckpointInfo{
		Token:        cp.Token,
		Version:      cp.Version,
		Cut:          cp.Cut,
		IndexEntries: cp.IndexEntries,
		IndexBytes:   cp.IndexBytes,
		Duration:     time.Since(start),
	}
	larch.lastCheckpoint.Store(info)
	larch.lastCkptTail.Store(cp.Cut)
	larch.lastCkptTime.Store(time.Now().UnixNano())

	Logger.Infof("%s: checkpoint %s complete (version=%d, cut=%d, entries=%d, %v)",
		larch.opts.Name, cp.Token, cp.Version, cp.Cut, cp.IndexEntries, info.Duration)
	if larch.opts.OnCheckpoint != nil {
		larch.opts.OnCheckpoint(*info)
	}
	return cp.Token, nil
}

// checkpoint runs the phases after REQUESTED, the caller holds sysMu
func (larch *larchImpl) checkpoint(ctx context.Context) (*meta.Checkpoint, error) {
	l := larch.log
	cp := &meta.Checkpoint{
		Token:     uuid.NewString(),
		Seq:       larch.meta.NextSeq(),
		Begin:     l.Begin(),
		CreatedAt: time.Now(),
	}

	// REQUESTED: records appended from now on belong to the next version
	cp.Version = larch.version.Add(1) - 1
	cut, safe := l.ShiftReadOnlyToTail()
	if err := l.AwaitEpoch(ctx, safe); err != nil {
		return nil, err
	}
	cp.Cut = cut

	// INDEX_CHECKPOINT_IN_PROGRESS
	larch.setPhase(phaseIndexCheckpoint)
	img, err := larch.index.Snapshot(cut)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", cp.Token, err)
	}
	cp.IndexChecksum = img.Checksum
	cp.IndexEntries = img.Entries
	cp.IndexBuckets = img.Buckets
	cp.IndexBytes = len(img.Data)
	if err := larch.meta.Prepare(cp, img.Data); err != nil {
		return nil, fmt.Errorf("%w: %w", db.ErrLogIO, err)
	}

	// WAIT_FLUSH
	larch.setPhase(phaseWaitFlush)
	if err := l.WaitFlushed(ctx, cut); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: checkpoint %s: %w", db.ErrLogIO, cp.Token, err)
	}
	flushed := l.Flushed()
	if err := larch.device.Sync(); err != nil {
		return nil, fmt.Errorf("%w: checkpoint %s: sync: %w", db.ErrLogIO, cp.Token, err)
	}
	cp.FlushedUntil = flushed

	// PERSIST_CALLBACK
	larch.setPhase(phasePersistCallback)
	if err := larch.meta.Commit(cp); err != nil {
		return nil, fmt.Errorf("%w: %w", db.ErrLogIO, err)
	}
	if removed, err := larch.meta.Prune(larch.opts.CheckpointRetention); err != nil {
		Logger.Warningf("%s: pruning checkpoints failed: %v", larch.opts.Name, err)
	} else if removed > 0 {
		Logger.Debugf("%s: pruned %d checkpoints", larch.opts.Name, removed)
	}
	return cp, nil
}
