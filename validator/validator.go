// Package validator implements deterministic top-N-by-reputation
// validator council election (C9).
package validator

import (
	"sort"

	"synapse-ng/reputation"
)

// Elect returns the top n node ids by reputation total, breaking ties by
// ascending node id for determinism. The function is pure: given the same
// reputation snapshot, every node computes the same ordered list.
func Elect(reps map[string]*reputation.Reputation, n int) []string {
	ids := make([]string, 0, len(reps))
	for id := range reps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := reps[ids[i]].Total, reps[ids[j]].Total
		if ti != tj {
			return ti > tj
		}
		return ids[i] < ids[j]
	})
	if n < len(ids) {
		ids = ids[:n]
	}
	return ids
}

// Changed reports whether elected differs from current (a different
// length, or a different id at any position) — used by the election loop
// to decide whether to bump validator_set_updated_at.
func Changed(current, elected []string) bool {
	if len(current) != len(elected) {
		return true
	}
	for i := range current {
		if current[i] != elected[i] {
			return true
		}
	}
	return false
}
