// Package uuid provides queue item and worker identifiers.
package uuid

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings for queue items.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// ProcessID identifies this process among all processes claiming from the
// same store: host, pid, and a short random suffix to survive pid reuse.
func ProcessID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	host = strings.ReplaceAll(host, " ", "-")
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), suffix)
}

// WorkerID names the n-th worker goroutine of a process.
func WorkerID(processID string, n int) string {
	return fmt.Sprintf("%s-w%d", processID, n)
}
