// Package store declares the attempt history repository shared by the
// progress store sink and the HTTP API. Postgres and in-memory
// implementations live under internal/storage.
package store
