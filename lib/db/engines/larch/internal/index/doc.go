// Package index implements the concurrent hash index of the larch engine.
//
// The table is an array of buckets with seven 64 bit entries each plus a chain of
// overflow buckets. An entry stores a 14 bit tag taken from the key hash and the
// address of the newest log record of all keys with that tag in the bucket. Older
// records and records of colliding keys are reached through the prev address
// stored in every record, so a lookup compares keys while walking the chain.
//
// Entries are only changed with compare-and-swap. New entries are inserted with a
// tentative bit first so two goroutines can never create two entries for the same
// tag.
//
// Grow doubles the table online with the help of the epoch framework, Snapshot
// and Restore persist it for checkpoints.
package index
