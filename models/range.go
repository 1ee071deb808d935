package models

import "fmt"

// OpenEndBlock is the sentinel upper bound for open-ended queries. A range
// ending here is never finalized.
const OpenEndBlock = 99_999_999

// BlockRange is a half-open interval [Start, End) over block numbers.
type BlockRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

func (r BlockRange) Len() int64 {
	return r.End - r.Start
}

// OpenRange covers the whole chain without an upper bound.
func OpenRange() BlockRange {
	return BlockRange{Start: 0, End: OpenEndBlock}
}

// SegmentsIn partitions [start, end) into ascending ranges of at most size
// blocks. The ranges never overlap and their union is exactly [start, end).
func SegmentsIn(start, end, size int64) []BlockRange {
	if size <= 0 || end <= start {
		return nil
	}
	segs := make([]BlockRange, 0, (end-start+size-1)/size)
	for lo := start; lo < end; lo += size {
		hi := lo + size
		if hi > end {
			hi = end
		}
		segs = append(segs, BlockRange{Start: lo, End: hi})
	}
	return segs
}
