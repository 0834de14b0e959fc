package domain

var batchTransitions = map[BatchState][]BatchState{
	BatchDraft:             {BatchReleased},
	BatchReleased:          {BatchCompleted},
	BatchCompleted:         {BatchEmissionRequested},
	BatchEmissionRequested: {BatchSealing},
	BatchSealing:           {BatchSealed, BatchEmissionRequested},
	BatchSealed:            {BatchDelivered},
}

// EnsureBatchTransition validates a batch state change against the lifecycle.
func EnsureBatchTransition(id string, from, to BatchState) error {
	if to == BatchCancelled {
		switch {
		case from.Sealed():
			return ImmutableError{Entity: "batch", ID: id, State: string(from)}
		case from == BatchCancelled:
			return TransitionError{Entity: "batch", From: string(from), To: string(to), Reason: "already cancelled"}
		case from == BatchSealing:
			return TransitionError{Entity: "batch", From: string(from), To: string(to), Reason: "sealing in progress"}
		}
		return nil
	}
	for _, next := range batchTransitions[from] {
		if next == to {
			return nil
		}
	}
	if from.Sealed() {
		return ImmutableError{Entity: "batch", ID: id, State: string(from)}
	}
	return TransitionError{Entity: "batch", From: string(from), To: string(to)}
}

// EnsureAssessmentTransition validates an assessment state change.
func EnsureAssessmentTransition(from, to AssessmentState) error {
	switch from {
	case AssessmentDraft:
		if to == AssessmentInProgress || to == AssessmentCompleted || to == AssessmentExcluded {
			return nil
		}
	case AssessmentInProgress:
		if to == AssessmentCompleted || to == AssessmentExcluded {
			return nil
		}
	case AssessmentCompleted:
		if to == AssessmentExcluded {
			return nil
		}
	}
	return TransitionError{Entity: "assessment", From: string(from), To: string(to)}
}
