package triage

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown to the store.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidInput is returned for messages rejected before triage starts.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a write was computed against a stale
	// session version.
	ErrConflict = errors.New("session modified concurrently")

	// ErrReasonerOffline is returned by OfflineReasoner for every call.
	ErrReasonerOffline = errors.New("reasoning service offline")
)

// Stage names an externally fallible step of the pipeline.
type Stage string

const (
	StageRetrieve  Stage = "retrieve"
	StageValidate  Stage = "validate"
	StageGenerate  Stage = "generate"
	StageSummarize Stage = "summarize"
)

// StageError records a failed external call. It never leaves the engine.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
