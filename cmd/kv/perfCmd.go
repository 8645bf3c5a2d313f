package kv

import (
	"encoding/csv"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hKV/cmd/util"
	"github.com/ValentinKolb/hKV/lib/store"
	"github.com/ValentinKolb/hKV/rpc/common"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for hKV servers",
		Long:    "Runs a series of workloads against a store shard and reports throughput and latency percentiles. Workloads: " + strings.Join(workloadNames(), ", "),
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfOps              = 10000
	perfSkip             []string
)

// percentiles reported for every workload
var percentiles = []float64{0.5, 0.95, 0.99, 0.999}

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Workloads to skip (comma separated - e.g. upsert,read)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of concurrent clients per workload"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 10000, util.WrapString("Number of operations per workload"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the upsert-large workload should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the workloads"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(1, viper.GetInt("keys"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfOps = max(1, viper.GetInt("ops"))
	perfSkip = util.SplitList(viper.GetString("skip"))

	for _, skip := range perfSkip {
		if !slices.Contains(workloadNames(), skip) {
			return fmt.Errorf("unknown workload %q", skip)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Workloads
// --------------------------------------------------------------------------

// workload is one benchmark. prepare runs before the timed operations, op is called
// with the index of the operation.
type workload struct {
	name    string
	prepare func(keys []string) error
	op      func(keys []string, i int) error
}

func workloads() []workload {
	fill := func(keys []string) error {
		for _, k := range keys {
			if err := rpcStore.Upsert(k, []byte("test")); err != nil {
				return err
			}
		}
		return nil
	}
	largeValue := make([]byte, perfLargeValueSizeKB*1024)

	return []workload{
		{
			name: "upsert",
			op:   func(keys []string, i int) error { return rpcStore.Upsert(keys[i%len(keys)], []byte("test")) },
		},
		{
			name: "upsert-large",
			op:   func(keys []string, i int) error { return rpcStore.Upsert(keys[i%len(keys)], largeValue) },
		},
		{
			name:    "read",
			prepare: fill,
			op: func(keys []string, i int) error {
				_, _, err := rpcStore.Read(keys[i%len(keys)])
				return err
			},
		},
		{
			name: "read-miss",
			op: func(keys []string, i int) error {
				_, _, err := rpcStore.Read(keys[i%len(keys)])
				return err
			},
		},
		{
			name: "rmw-incr",
			op: func(keys []string, i int) error {
				_, err := rpcStore.RMW(keys[i%len(keys)], store.MergeIncr, nil)
				return err
			},
		},
		{
			name:    "delete",
			prepare: fill,
			op:      func(keys []string, i int) error { return rpcStore.Delete(keys[i%len(keys)]) },
		},
		{
			name:    "mixed",
			prepare: fill,
			op: func(keys []string, i int) error {
				key := keys[i%len(keys)]
				switch i % 4 {
				case 0:
					return rpcStore.Upsert(key, []byte("test"))
				case 1:
					_, _, err := rpcStore.Read(key)
					return err
				case 2:
					_, err := rpcStore.RMW(key, store.MergeAppend, []byte("x"))
					return err
				default:
					return rpcStore.Delete(key)
				}
			},
		},
	}
}

func workloadNames() []string {
	var names []string
	for _, w := range workloads() {
		names = append(names, w.name)
	}
	return names
}

// result of one workload
type result struct {
	name    string
	timer   gometrics.Timer // snapshot
	errors  int64
	elapsed time.Duration
	skipped bool
}

func (r result) opsPerSec() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.timer.Count()) / r.elapsed.Seconds()
}

// --------------------------------------------------------------------------
// Runner
// --------------------------------------------------------------------------

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for hKV servers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d, operations per workload: %d\n", perfNumThreads, perfOps)
	fmt.Println()

	registry := gometrics.NewRegistry()
	var results []result

	fmt.Printf("%-14s%12s%12s%12s%12s%12s%12s%8s\n", "workload", "ops/sec", "mean", "p50", "p95", "p99", "p99.9", "errors")
	for _, w := range workloads() {
		if slices.Contains(perfSkip, w.name) {
			results = append(results, result{name: w.name, skipped: true, timer: gometrics.NilTimer{}})
			fmt.Printf("%-14sskipped\n", w.name)
			continue
		}
		r, err := runWorkload(registry, w)
		if err != nil {
			return fmt.Errorf("workload %s: %w", w.name, err)
		}
		results = append(results, r)
		printResult(r)
	}

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// runWorkload runs perfOps operations of w on perfNumThreads goroutines
func runWorkload(registry gometrics.Registry, w workload) (result, error) {
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, w.name, i)
	}
	if w.prepare != nil {
		if err := w.prepare(keys); err != nil {
			return result{}, err
		}
	}

	timer := gometrics.GetOrRegisterTimer("perf."+w.name, registry)
	errCount := gometrics.GetOrRegisterCounter("perf."+w.name+".errors", registry)

	var next atomic.Int64
	var g errgroup.Group
	start := time.Now()
	for t := 0; t < perfNumThreads; t++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= perfOps {
					return nil
				}
				opStart := time.Now()
				err := w.op(keys, i)
				timer.UpdateSince(opStart)
				if err != nil {
					errCount.Inc(1)
				}
			}
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	// remove the keys of the workload
	for _, k := range keys {
		_ = rpcStore.Delete(k)
	}

	return result{
		name:    w.name,
		timer:   timer.Snapshot(),
		errors:  errCount.Count(),
		elapsed: elapsed,
	}, nil
}

// printResult prints the result of a workload in a formatted way
func printResult(r result) {
	ps := r.timer.Percentiles(percentiles)
	fmt.Printf("%-14s%12.0f%12s%12s%12s%12s%12s%8d\n",
		r.name,
		r.opsPerSec(),
		time.Duration(r.timer.Mean()).Round(time.Microsecond),
		time.Duration(ps[0]).Round(time.Microsecond),
		time.Duration(ps[1]).Round(time.Microsecond),
		time.Duration(ps[2]).Round(time.Microsecond),
		time.Duration(ps[3]).Round(time.Microsecond),
		r.errors,
	)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []result, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Workload", "Skipped", "Ops", "Errors", "OpsPerSec",
		"MeanNs", "P50Ns", "P95Ns", "P99Ns", "P999Ns", "MaxNs",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"ShardID", "Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Keys",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		ps := r.timer.Percentiles(percentiles)
		row := []string{
			r.name,
			strconv.FormatBool(r.skipped),
			strconv.FormatInt(r.timer.Count(), 10),
			strconv.FormatInt(r.errors, 10),
			fmt.Sprintf("%.0f", r.opsPerSec()),
			fmt.Sprintf("%.0f", r.timer.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			fmt.Sprintf("%.0f", ps[3]),
			strconv.FormatInt(r.timer.Max(), 10),
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			strconv.FormatUint(util.GetShardID(), 10),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for workload %s: %v", r.name, err)
		}
	}

	return nil
}
