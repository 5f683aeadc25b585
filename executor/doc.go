// Package executor provides a bounded worker pool for file transfer tasks.
//
// A fixed number of workers drain a task queue, and a counting admission
// semaphore of equal capacity bounds the total number of in-flight file
// operations regardless of how many client sessions exist. Submitted tasks
// return a Future that can be awaited with a deadline; a task that misses
// its deadline keeps running to completion, but its result is discarded by
// the caller.
package executor
