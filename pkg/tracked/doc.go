// Package tracked provides cursor-based change enumeration over PostgreSQL
// tables whose rows carry a version ledger.
//
// Every tracked entity table has a sibling ledger table holding one row per
// entity: the object id, a version counter and the id of the transaction that
// produced that version. GetChangedObjects reads the ledger inside a single
// REPEATABLE READ transaction, using the transaction snapshot to decide which
// transactions are complete, and returns the changed entities together with an
// opaque Cursor. Passing that cursor to the next call resumes where the
// previous page stopped.
//
// Key Components:
//   - Snapshot / SnapshotProvider: the visible transaction-id range and the
//     set of transactions still in progress
//   - Ledger / Registry: explicit entity → ledger registration
//   - BuildSelector / SelectChanged: the three-bucket change selector
//   - Cursor: the continuation token and its transition function
//   - Feed / GetChangedObjects / GetChangedVersions: one page of changes,
//     each object at most once
//
// Nothing is held server-side between calls. Callers persist the cursor
// (see Cursor.Encode) and may retry any call with the same cursor.
package tracked
