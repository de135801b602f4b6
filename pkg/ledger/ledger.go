// Package ledger tracks the set of studies already relayed so a restart never
// re-delivers committed work. Membership implies at least one fully successful
// delivery; the relay engine commits a study only after evaluating success.
package ledger

// Ledger is the durable dedup set keyed by StudyInstanceUID. Implementations
// must be safe for concurrent use: the poller queries while the engine
// commits, and push-style sources may query from a listener goroutine.
type Ledger interface {
	// Contains reports whether uid has already been relayed.
	Contains(uid string) bool
	// Commit adds uid and persists before returning. A persistence failure is
	// returned but the in-memory set stays authoritative for this process.
	Commit(uid string) error
	// Len reports the number of committed studies.
	Len() int
}
