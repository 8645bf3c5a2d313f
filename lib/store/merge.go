package store

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/puzpuzpuz/xsync/v3"
)

// MergeFunc computes the new value of a key from its current value and the argument
// of an RMW request. exists is false if the key is absent or deleted.
//
// Merge functions can be called more than once per request (every optimistic retry
// recomputes the value), they must not have side effects.
type MergeFunc func(old []byte, exists bool, arg []byte) []byte

// Names of the builtin merge operators
const (
	MergeSet    = "set"    // replaces the value with arg
	MergeSetNX  = "setnx"  // sets arg only if the key does not exist
	MergeAppend = "append" // appends arg to the value
	MergeIncr   = "incr"   // adds the decimal integer arg (default 1) to the decimal value
)

var mergeOps = xsync.NewMapOf[string, MergeFunc]()

func init() {
	MustRegisterMergeOp(MergeSet, mergeSet)
	MustRegisterMergeOp(MergeSetNX, mergeSetNX)
	MustRegisterMergeOp(MergeAppend, mergeAppend)
	MustRegisterMergeOp(MergeIncr, mergeIncr)
}

// RegisterMergeOp makes a merge operator available to RMW requests under name.
// Returns an error if the name is taken.
//
// Thread-safety: This function is thread-safe, operators are usually registered in init().
func RegisterMergeOp(name string, fn MergeFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("store: invalid merge operator %q", name)
	}
	if _, loaded := mergeOps.LoadOrStore(name, fn); loaded {
		return fmt.Errorf("store: merge operator %q already registered", name)
	}
	return nil
}

// MustRegisterMergeOp is RegisterMergeOp that panics on error
func MustRegisterMergeOp(name string, fn MergeFunc) {
	if err := RegisterMergeOp(name, fn); err != nil {
		panic(err)
	}
}

// LookupMergeOp returns the merge operator registered under name
func LookupMergeOp(name string) (MergeFunc, bool) {
	return mergeOps.Load(name)
}

// MergeOps returns the names of all registered merge operators in sorted order
func MergeOps() []string {
	names := make([]string, 0, mergeOps.Size())
	mergeOps.Range(func(name string, _ MergeFunc) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// --------------------------------------------------------------------------
// Builtin operators
// --------------------------------------------------------------------------

func mergeSet(_ []byte, _ bool, arg []byte) []byte {
	return arg
}

func mergeSetNX(old []byte, exists bool, arg []byte) []byte {
	if exists {
		return old
	}
	return arg
}

func mergeAppend(old []byte, _ bool, arg []byte) []byte {
	value := make([]byte, 0, len(old)+len(arg))
	return append(append(value, old...), arg...)
}

// mergeIncr treats values that are not decimal integers as 0
func mergeIncr(old []byte, exists bool, arg []byte) []byte {
	delta := int64(1)
	if len(arg) > 0 {
		if d, err := strconv.ParseInt(string(arg), 10, 64); err == nil {
			delta = d
		}
	}
	var n int64
	if exists {
		n, _ = strconv.ParseInt(string(old), 10, 64)
	}
	return strconv.AppendInt(nil, n+delta, 10)
}
