// Package ledger implements a deployment-scoped symbolic-name → handler
// map: a concurrent key→handle store, not persisted beyond the process
// lifetime of one deployment.
package ledger

import (
	"sync"

	apperrors "github.com/openrangelab/rangerd/infrastructure/errors"
)

// Ledger is a deployment-scoped map from scenario-derived symbolic names to
// the opaque handler_reference a backend returned for them.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]string
}

// New returns an empty Ledger for one deployment.
func New() *Ledger {
	return &Ledger{entries: make(map[string]string)}
}

// Put records a symbolic name's handler reference. It fails with
// DuplicateLedgerKey if the name is already present; a Ledger entry is
// write-once.
func (l *Ledger) Put(key, handlerReference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[key]; exists {
		return apperrors.DuplicateLedgerKey(key)
	}
	l.entries[key] = handlerReference
	return nil
}

// Get resolves a symbolic name to its handler reference. It fails with
// MissingReference if the name is absent; Get never blocks.
func (l *Ledger) Get(key string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ref, ok := l.entries[key]
	if !ok {
		return "", apperrors.MissingReference("ledger", key)
	}
	return ref, nil
}

// GetAll resolves a set of symbolic names in one call, used when a node's
// links reference several prior-tranche instances at once. It fails on the
// first missing reference.
func (l *Ledger) GetAll(keys []string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		ref, ok := l.entries[key]
		if !ok {
			return nil, apperrors.MissingReference("ledger", key)
		}
		out = append(out, ref)
	}
	return out, nil
}

// Len reports the number of recorded entries; used by tests and by the
// undeploy round-trip check: the Ledger should be empty after a full
// undeploy of a deployment whose process exits.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
