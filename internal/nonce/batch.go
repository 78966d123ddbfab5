package nonce

import (
	"fmt"

	"github.com/bardlex/gocm/pkg/errors"
)

// Batch is a half-open range [Start, End) of nonces owned by one worker.
type Batch struct {
	Start uint64
	End   uint64
}

// Size returns the number of nonces in the batch.
func (b Batch) Size() uint64 {
	return b.End - b.Start
}

// Contains reports whether n falls inside the batch.
func (b Batch) Contains(n uint64) bool {
	return n >= b.Start && n < b.End
}

// Allocate partitions [0, Max] into workerCount contiguous disjoint batches.
// Batch i starts at i*floor(Max/workerCount); the last batch runs through Max
// so the division remainder is never orphaned.
func Allocate(workerCount int) ([]Batch, error) {
	if workerCount < 1 {
		return nil, errors.New(errors.ErrorTypeValidation, "allocate",
			fmt.Sprintf("worker count must be positive, got %d", workerCount))
	}

	size := Max / uint64(workerCount)
	if size == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "allocate",
			fmt.Sprintf("worker count %d exceeds nonce space", workerCount))
	}

	batches := make([]Batch, workerCount)
	for i := range batches {
		start := uint64(i) * size
		batches[i] = Batch{Start: start, End: start + size}
	}
	batches[workerCount-1].End = Max + 1

	return batches, nil
}
