package txrecon

import "math"

// capacityAddend keeps a positive capacity even when both sides report equal
// set sizes, so an actually-empty difference decodes deterministically.
const capacityAddend = 1

// estimateCapacity derives a sketch capacity from the two reported set sizes.
// The expected difference is at least the size gap; the q fraction of the
// smaller set covers items the sets do not share despite equal counts. Both
// sides of a link use the same estimate so their capacity expectations match.
func estimateCapacity(localSize, remoteSize int, q float64) int {
	gap := localSize - remoteSize
	if gap < 0 {
		gap = -gap
	}
	smaller := min(localSize, remoteSize)
	capacity := gap + int(math.Ceil(q*float64(smaller))) + capacityAddend
	return max(capacity, 1)
}

// extendedCapacity is the capacity used for the one-shot extension round.
func extendedCapacity(initial int) int {
	return initial * 2
}
