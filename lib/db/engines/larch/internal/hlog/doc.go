// Package hlog implements the hybrid log of the larch engine.
//
// The log is a sequence of fixed size pages addressed by 48 bit logical addresses.
// The newest pages live in a ring of in-memory frames; older pages are written to
// a Device and read back on demand through a small page cache:
//
//	begin        head        safeReadOnly   readOnly        tail
//	  |  on device |  in memory, immutable   |   mutable     |
//
// Records are appended at the tail with a single fetch-add. Only records above
// readOnly may be updated in place; everything below is immutable and will be
// flushed once every session that could still write it has left its epoch.
// Pages below head are evicted after they were flushed, freeing their frames for
// new pages at the tail.
//
// All marker transitions that depend on sessions finishing their work run as epoch
// actions, see package epoch.
package hlog
