// Package storage persists the post queue and the scheduler's records.
//
// It holds:
//   - the ordered item collection (get-all / add / update / delete)
//   - single-document records: posting config, session, scheduler state,
//     recovery record and the error ledger
//
// Two drivers share one typed layer: "file" (JSON documents, atomic
// tmp+rename writes) and "sqlite".
package storage
