// Package progress carries attempt events from queue workers to the audit
// sinks. Workers emit through a non-blocking Hub, which batches events on a
// background goroutine and hands each batch to every sink: the log sink, the
// Prometheus sink, and the crawl_attempts store sink.
package progress
