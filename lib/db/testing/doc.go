// Package testing holds the conformance suite every KVDB engine runs from its
// own test file:
//
//	func TestMyEngine(t *testing.T) {
//		dbtesting.RunKVDBTests(t, "MyEngine", func() db.KVDB { return NewMyEngine() })
//	}
//
// The suite covers plain writes, SetIfUnset races, atomic Apply batches,
// write index bookkeeping and Save/Load round trips. Engines that do not
// advertise a feature skip the matching subtests.
package testing
