// Package meta stores checkpoint metadata, index snapshots and the durable log
// position of a larch instance in leveldb.
package meta
