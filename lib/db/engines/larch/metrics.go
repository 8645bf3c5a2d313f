package larch

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// every open engine registers its metric set here so the transports can expose
// all of them on one endpoint
var (
	metricSets = xsync.NewMapOf[uint64, *metrics.Set]()
	setIDs     atomic.Uint64
)

// WritePrometheus writes the metrics of all open larch instances in the
// Prometheus text format
func WritePrometheus(w io.Writer) {
	metricSets.Range(func(_ uint64, set *metrics.Set) bool {
		set.WritePrometheus(w)
		return true
	})
}

// engineMetrics are the counters of one engine instance
type engineMetrics struct {
	id  uint64
	set *metrics.Set

	reads      *metrics.Counter
	readMisses *metrics.Counter
	upserts    *metrics.Counter
	rmws       *metrics.Counter
	deletes    *metrics.Counter
	noops      *metrics.Counter
	inPlace    *metrics.Counter
	appends    *metrics.Counter
	conflicts  *metrics.Counter
	exceeded   *metrics.Counter
	retries    *metrics.Counter
	diskReads  *metrics.Counter
	copies     *metrics.Counter

	checkpoints        *metrics.Counter
	checkpointFailures *metrics.Counter
	checkpointDuration *metrics.Histogram
	growDuration       *metrics.Histogram
	compactDuration    *metrics.Histogram
	diskReadDuration   *metrics.Histogram
}

func newEngineMetrics(larch *larchImpl) *engineMetrics {
	set := metrics.NewSet()
	name := func(metric string) string {
		return fmt.Sprintf(`hkv_larch_%s{engine=%q}`, metric, larch.opts.Name)
	}

	m := &engineMetrics{
		id:  setIDs.Add(1),
		set: set,

		reads:      set.NewCounter(name("reads_total")),
		readMisses: set.NewCounter(name("read_misses_total")),
		upserts:    set.NewCounter(name("upserts_total")),
		rmws:       set.NewCounter(name("rmws_total")),
		deletes:    set.NewCounter(name("deletes_total")),
		noops:      set.NewCounter(name("noop_deletes_total")),
		inPlace:    set.NewCounter(name("in_place_updates_total")),
		appends:    set.NewCounter(name("appended_records_total")),
		conflicts:  set.NewCounter(name("conflicts_total")),
		exceeded:   set.NewCounter(name("conflicts_exceeded_total")),
		retries:    set.NewCounter(name("retries_total")),
		diskReads:  set.NewCounter(name("disk_reads_total")),
		copies:     set.NewCounter(name("compaction_copies_total")),

		checkpoints:        set.NewCounter(name("checkpoints_total")),
		checkpointFailures: set.NewCounter(name("checkpoint_failures_total")),
		checkpointDuration: set.NewHistogram(name("checkpoint_duration_seconds")),
		growDuration:       set.NewHistogram(name("index_grow_duration_seconds")),
		compactDuration:    set.NewHistogram(name("compaction_duration_seconds")),
		diskReadDuration:   set.NewHistogram(name("disk_read_duration_seconds")),
	}

	gauge := func(metric string, f func() uint64) {
		set.NewGauge(name(metric), func() float64 { return float64(f()) })
	}
	gauge("log_begin", larch.log.Begin)
	gauge("log_head", larch.log.Head)
	gauge("log_read_only", larch.log.ReadOnly)
	gauge("log_flushed", larch.log.Flushed)
	gauge("log_tail", larch.log.Tail)
	gauge("index_buckets", larch.index.Size)
	gauge("index_overflow_buckets", func() uint64 { return uint64(larch.index.OverflowBuckets()) })
	gauge("epoch_current", larch.epoch.Current)
	gauge("epoch_pending_actions", func() uint64 { return uint64(larch.epoch.Pending()) })
	gauge("sessions_active", func() uint64 { return uint64(larch.sessions.Size()) })
	gauge("log_flushed_bytes", func() uint64 { return larch.log.Stats().FlushedBytes })
	gauge("log_page_faults", func() uint64 { return larch.log.Stats().Faults })

	metricSets.Store(m.id, set)
	return m
}

func (m *engineMetrics) unregister() {
	metricSets.Delete(m.id)
}
