package vraft

import (
	"slices"

	"golang.org/x/exp/constraints"
)

// Majority returns the number of votes needed out of n members.
func Majority(n int) int {
	return n/2 + 1
}

// QuorumValue returns the largest value that at least a majority of vals
// reach. For match indexes this is the highest index replicated on a quorum.
func QuorumValue[T constraints.Integer](vals []T) T {
	if len(vals) == 0 {
		var zero T
		return zero
	}
	sorted := slices.Clone(vals)
	slices.SortFunc(sorted, func(a, b T) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	return sorted[Majority(len(sorted))-1]
}
