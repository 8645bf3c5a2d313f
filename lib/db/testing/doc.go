// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.KVDB interface.
//
// The package contains:
//   - testing: A conformance suite for the KVDB and Session contract, including
//     concurrent writers that must not lose committed updates
//   - benchmark: Throughput of session operations under parallel load
//
// This package is particularly useful for:
//   - Applications that need to select the most appropriate database implementation
//     based on performance characteristics
//   - Database developers implementing the KVDB interface
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() db.KVDB {
//		database, _ := mydb.Open(mydb.DefaultOptions())
//		return database
//	}
//
//	// Running the standard test suite
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
package testing
