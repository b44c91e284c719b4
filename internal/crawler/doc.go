// Package crawler defines the queue item model, lifecycle state machine,
// retry/backoff policies, and error taxonomy shared by the stores, workers,
// scheduler, and source adapters of the economic-series crawler.
package crawler
