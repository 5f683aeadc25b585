// Package filelock provides per-path reader/writer locking for the shared
// file store.
//
// Locks are created lazily on first access to a path and live for the
// lifetime of the process. Each lock is FIFO-fair: requests are granted in
// strict arrival order, with consecutive readers at the head of the queue
// admitted together, so writers cannot starve under read-heavy load.
//
// Example:
//
//	reg := filelock.NewRegistry()
//	guard := reg.AcquireWrite("/srv/shared/report.txt")
//	defer guard.Release()
//	// exclusive access to the file
package filelock
