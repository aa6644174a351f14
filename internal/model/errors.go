// Package model defines the entities of the evidence engine and the error
// taxonomy shared by every repository.
package model

import "github.com/rotisserie/eris"

var (
	// ErrNotFound reports an expected absence, such as no observation known as of a date.
	ErrNotFound = eris.New("not found")

	// ErrInvalidReference reports a write that names a related entity that does not exist.
	ErrInvalidReference = eris.New("invalid reference")

	// ErrWriteConflict reports a revision race that outlasted the bounded retries.
	ErrWriteConflict = eris.New("write conflict")

	// ErrInvalidStateTransition reports an operation the approval or contradiction
	// state machine does not allow from the current state.
	ErrInvalidStateTransition = eris.New("invalid state transition")

	// ErrAlreadySealed reports a second completion of an ingestion run.
	ErrAlreadySealed = eris.New("ingestion run already sealed")

	// ErrLineageCycleDetected is reported as a warning when lineage traversal
	// meets an entry that is already on the current path.
	ErrLineageCycleDetected = eris.New("lineage cycle detected")
)
