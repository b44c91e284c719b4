// Package sinks implements the attempt event consumers: structured logging,
// Prometheus counters, and the crawl_attempts repository.
package sinks
