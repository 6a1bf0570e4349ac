// Package statemachine implements the Scan Job state machine of spec
// §4.2: the permitted transition edges, CAS lease ownership, stage
// timing, and durable, atomic persistence of every mutation.
package statemachine

import "github.com/cardmint/scan-core/pkg/models"

// edges enumerates every permitted (from -> to) transition. Any pair not
// present here is rejected with INVALID_TRANSITION, except that any
// non-terminal state may always transition to FAILED (checked
// separately in CanTransition).
var edges = map[models.Status][]models.Status{
	models.StatusQueued:         {models.StatusCapturing},
	models.StatusCapturing:      {models.StatusCaptured, models.StatusBackImage},
	models.StatusBackImage:      {models.StatusCaptured},
	models.StatusCaptured:       {models.StatusPreprocessing},
	models.StatusPreprocessing:  {models.StatusInferencing},
	models.StatusInferencing: {
		models.StatusCandidatesReady,
		models.StatusUnmatchedNoReasonableCandidate,
	},
	models.StatusCandidatesReady:               {models.StatusOperatorPending},
	models.StatusUnmatchedNoReasonableCandidate: {models.StatusOperatorPending},
	models.StatusOperatorPending: {
		models.StatusAccepted,
		models.StatusFlagged,
		models.StatusNeedsReview,
		models.StatusInferencing, // explicit re-scan command (spec §4.2)
	},
}

// CanTransition reports whether from -> to is a permitted edge: either
// listed explicitly above, or any non-terminal state escalating to
// FAILED on a non-retriable error.
func CanTransition(from, to models.Status) bool {
	if to == models.StatusFailed {
		return !from.Terminal()
	}
	for _, candidate := range edges[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is the stable error code from spec §7.
const ErrInvalidTransition = "INVALID_TRANSITION"

// ErrLeaseLost is the stable error code from spec §7.
const ErrLeaseLost = "LEASE_LOST"

// ErrAlreadyTerminal is returned by AcquireLease when the job has
// already reached a terminal status. It is distinct from
// ErrInvalidTransition because the caller — typically an operator
// decision endpoint — needs to tell "already in the state you asked
// for" (a no-op) apart from "in some other terminal state" (a
// conflict); AcquireLease still returns the fetched job alongside this
// error so callers can make that distinction themselves.
const ErrAlreadyTerminal = "ALREADY_TERMINAL"
