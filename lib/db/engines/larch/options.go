package larch

import (
	"fmt"
	"runtime"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/ValentinKolb/hKV/lib/db/engines/larch/internal/hlog"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	defaultIndexBuckets        = 1 << 16
	defaultPageBits            = 20 // 1 MiB pages
	defaultMemoryPages         = 64
	defaultPageCacheSize       = 16
	defaultMaxRetries          = 32
	defaultCheckpointRetention = 2
	defaultMaintenanceInterval = 100 * time.Millisecond
	defaultDrainInterval       = 2 * time.Millisecond
)

// CheckpointInfo is passed to DBOptions.OnCheckpoint after a checkpoint became durable
type CheckpointInfo struct {
	Token        string        `json:"token"`
	Version      uint32        `json:"version"`
	Cut          uint64        `json:"cut"`
	IndexEntries int           `json:"index_entries"`
	IndexBytes   int           `json:"index_bytes"`
	Duration     time.Duration `json:"duration"`
}

// DBOptions configures a larch instance
type DBOptions struct {
	Name    string // Name used in logs and metric labels (default "larch")
	DataDir string // Directory for the log and the metadata ("" = in memory, nothing survives Close)

	IndexBuckets  uint64 // Initial number of hash buckets, rounded up to a power of two
	AutoGrowIndex bool   // Double the index when overflow chains get long

	PageBits      uint   // log2 of the log page size
	MemoryPages   uint64 // Number of in-memory log pages
	MutablePages  uint64 // Number of newest pages that accept in-place updates (0 = 90% of MemoryPages)
	SegmentPages  uint64 // Pages per segment file (0 = hlog default)
	PageCacheSize int    // Number of evicted pages kept in the read cache

	MaxRetries  int // Optimistic conflicts tolerated per operation before ErrConflictExceeded
	MaxSessions int // Size of the epoch table (0 = 64 * GOMAXPROCS)

	CheckpointInterval  time.Duration // Take a checkpoint at least this often (0 = off)
	CheckpointLogBytes  uint64        // Take a checkpoint after this many log bytes (0 = off)
	CheckpointRetention int           // Number of complete checkpoints kept

	Recover      bool   // Recover from DataDir instead of resetting it
	RecoverToken string // Recover exactly this checkpoint (default: newest valid one)

	Hook         db.MutationHook            // Notified after every committed mutation (optional)
	OnCheckpoint func(info CheckpointInfo) // Called after every durable checkpoint (optional)
}

// DefaultOptions returns the default options for an in-memory instance
func DefaultOptions() *DBOptions {
	return &DBOptions{
		Name:                "larch",
		IndexBuckets:        defaultIndexBuckets,
		AutoGrowIndex:       true,
		PageBits:            defaultPageBits,
		MemoryPages:         defaultMemoryPages,
		PageCacheSize:       defaultPageCacheSize,
		MaxRetries:          defaultMaxRetries,
		CheckpointRetention: defaultCheckpointRetention,
	}
}

// normalize fills unset fields with defaults and validates the rest
func (o *DBOptions) normalize() error {
	if o.Name == "" {
		o.Name = "larch"
	}
	if o.IndexBuckets == 0 {
		o.IndexBuckets = defaultIndexBuckets
	}
	if o.PageBits == 0 {
		o.PageBits = defaultPageBits
	}
	if o.PageBits < hlog.MinPageBits || o.PageBits > hlog.MaxPageBits {
		return fmt.Errorf("larch: page bits must be within [%d, %d]", hlog.MinPageBits, hlog.MaxPageBits)
	}
	if o.MemoryPages == 0 {
		o.MemoryPages = defaultMemoryPages
	}
	if o.MemoryPages < 3 {
		return fmt.Errorf("larch: at least 3 memory pages are required")
	}
	if o.MutablePages == 0 {
		o.MutablePages = max(1, o.MemoryPages*9/10)
	}
	o.MutablePages = min(o.MutablePages, o.MemoryPages-2)
	if o.PageCacheSize <= 0 {
		o.PageCacheSize = defaultPageCacheSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 64 * runtime.GOMAXPROCS(0)
	}
	if o.CheckpointRetention <= 0 {
		o.CheckpointRetention = defaultCheckpointRetention
	}
	if o.RecoverToken != "" && !o.Recover {
		return fmt.Errorf("larch: a recover token requires recovery to be enabled")
	}
	return nil
}
