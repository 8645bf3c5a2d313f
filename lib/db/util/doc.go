// Package util provides utility components shared by the engine packages.
//
// The package contains:
//   - statistics: summary statistics and an atomic SizeHistogram for tracking record sizes
//   - functions: xxHash based key hashing and checksums, seed generation
//   - mapheap: a priority queue with key based access, used as the deferred action list of the epoch framework
//   - lockfreempsc: a lock-free Multi-Producer Single-Consumer (MPSC) queue, used by the log flusher and the pub/sub broker
//
// All components are independent of a concrete engine.
package util
