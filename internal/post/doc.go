// Package post holds the data model shared by the scheduler, its store and
// the retry ledger: queued items, posting config, scheduler state, session
// credentials and ledger entries. Times are kept in UTC and serialize as
// RFC 3339; absent times serialize as null.
package post
