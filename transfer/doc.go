// Package transfer coordinates uploads and downloads against the shared
// file store.
//
// The coordinator bridges the session layer and the synchronization
// primitives: every transfer runs as a task on the bounded executor,
// guarded by the per-path fair lock, and is awaited with a deadline. A
// timed-out transfer is reported as a failure but the underlying task is
// never cancelled mid-stream; its lock release still happens, so no lock
// leaks. Successful uploads and destructive operations emit notifications
// through an EventSink.
package transfer
