// Copyright (C) 2025 Haex Labs.
// See LICENSE for copying information.

package sync

import (
	"fmt"
	"sort"
)

// BatchError describes why a push's batch metadata failed validation.
// The whole push is rejected and nothing is written when any batch in it
// is incomplete or inconsistent.
type BatchError struct {
	BatchID          string
	Message          string
	MissingSequences []int
	Expected         int
	Received         int
}

// Error implements error.
func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %q: %s", e.BatchID, e.Message)
}

// validateBatches scans the full submission list before any write. For
// every batch id present the sequence numbers must form exactly
// {1..batch_total}; submissions without batch metadata pass through.
func validateBatches(changes []ChangeSubmission) error {
	type batchState struct {
		total int
		seqs  map[int]int
	}
	batches := make(map[string]*batchState)
	order := []string{}

	for _, change := range changes {
		if change.BatchID == nil {
			continue
		}
		id := *change.BatchID
		if change.BatchSeq == nil || change.BatchTotal == nil {
			return &BatchError{
				BatchID: id,
				Message: "Batch changes require batchSeq and batchTotal",
			}
		}

		state, ok := batches[id]
		if !ok {
			state = &batchState{total: *change.BatchTotal, seqs: map[int]int{}}
			batches[id] = state
			order = append(order, id)
		}
		if state.total != *change.BatchTotal {
			return &BatchError{
				BatchID:  id,
				Message:  "Inconsistent batch totals",
				Expected: state.total,
				Received: *change.BatchTotal,
			}
		}
		state.seqs[*change.BatchSeq]++
	}

	for _, id := range order {
		state := batches[id]

		if state.total < 1 {
			return &BatchError{
				BatchID:  id,
				Message:  "Batch total must be positive",
				Expected: state.total,
			}
		}

		var duplicates bool
		for seq, count := range state.seqs {
			if count > 1 {
				duplicates = true
			}
			if seq < 1 || seq > state.total {
				return &BatchError{
					BatchID:  id,
					Message:  fmt.Sprintf("Sequence number %d outside of batch range", seq),
					Expected: state.total,
					Received: len(state.seqs),
				}
			}
		}
		if duplicates {
			return &BatchError{
				BatchID:  id,
				Message:  "Duplicate sequence numbers in batch",
				Expected: state.total,
				Received: received(state.seqs),
			}
		}

		var missing []int
		for seq := 1; seq <= state.total; seq++ {
			if state.seqs[seq] == 0 {
				missing = append(missing, seq)
			}
		}
		if len(missing) > 0 {
			sort.Ints(missing)
			return &BatchError{
				BatchID:          id,
				Message:          "Missing sequence numbers in batch",
				MissingSequences: missing,
				Expected:         state.total,
				Received:         received(state.seqs),
			}
		}
	}

	return nil
}

func received(seqs map[int]int) int {
	total := 0
	for _, count := range seqs {
		total += count
	}
	return total
}
