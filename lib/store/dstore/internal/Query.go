package internal

// QueryType defines the read-only queries the state machine answers.
type QueryType uint8

const (
	QueryTGet       QueryType = iota // content of a key
	QueryTHas                        // whether a key currently exists
	QueryTGetDBInfo                  // metadata of the engine inside the state machine
)

func (q QueryType) String() string {
	switch q {
	case QueryTGet:
		return "Get"
	case QueryTHas:
		return "Has"
	case QueryTGetDBInfo:
		return "GetDBInfo"
	default:
		return "Unknown"
	}
}

// Query is passed to SyncRead/StaleRead as is, dragonboat never serializes it.
type Query struct {
	Type QueryType
	Key  string // empty for QueryTGetDBInfo
}

// Stale reports whether the query may be answered from the local replica
// without a read index round trip. Only diagnostics qualify; the object store
// relies on every record read being linearizable.
func (q Query) Stale() bool {
	return q.Type == QueryTGetDBInfo
}

// QueryResult answers QueryTGet and QueryTHas. QueryTGetDBInfo returns a db.DatabaseInfo.
type QueryResult struct {
	Ok    bool
	Value []byte
}
