// Package dedup decides which candidate documents in an ingestion batch are
// genuinely new for a scope. The filter is a pure function; it is run inside
// the same transaction as the subsequent save so two concurrent ingestions of
// overlapping batches cannot both believe the same paper is new.
package dedup

import (
	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// KeySet is the set of dedup fingerprints already known for a scope, loaded
// from the persistence store at ingestion time.
type KeySet map[string]struct{}

// NewKeySet builds a KeySet from known fingerprints.
func NewKeySet(keys []string) KeySet {
	set := make(KeySet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Contains reports whether the fingerprint is already known.
func (s KeySet) Contains(key string) bool {
	_, ok := s[key]
	return ok
}

// Filter returns the subsequence of candidates not already known, preserving
// the original batch order. A candidate is a duplicate when an existing
// document in scope shares its non-null DOI or, with no DOI, its normalized
// title. When two candidates within the batch are mutual duplicates, only
// the first survives.
//
// The input is never mutated and the existing KeySet is not modified; callers
// that need the surviving fingerprints use Keys on the result.
func Filter(existing KeySet, candidates []domain.Document) []domain.Document {
	if len(candidates) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(candidates))
	fresh := make([]domain.Document, 0, len(candidates))

	for _, candidate := range candidates {
		key := candidate.DedupKey()
		if existing.Contains(key) {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, candidate)
	}

	return fresh
}

// Keys derives the dedup fingerprints of the given documents, in order.
func Keys(docs []domain.Document) []string {
	keys := make([]string, len(docs))
	for i := range docs {
		keys[i] = docs[i].DedupKey()
	}
	return keys
}
