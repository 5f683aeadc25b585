// Package notify implements the real-time notification broadcaster.
//
// Server-wide events (file uploads, deletions, clients joining or leaving)
// are enqueued as immutable messages on a bounded queue. A single
// background goroutine drains the queue and fans each message out to every
// registered client channel using deadline-bounded writes: a channel that
// is not ready within the poll interval keeps the message pending and is
// retried on the next loop iteration rather than blocking the fan-out.
// Optionally the same message is sent as a best-effort UDP datagram to the
// local broadcast address.
package notify
