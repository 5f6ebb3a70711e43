// Package store holds notification records in memory and owns their state
// machine.
//
// The only legal way to change a record's state is through the store's
// atomic primitives:
//   - TryPromote: compare-and-set (PENDING -> READY)
//   - RecordOutcome: READY -> SENT or READY -> FAILED
//
// FindDue may be called concurrently by several processors; TryPromote is
// what guarantees a given record is dispatched at most once.
package store
