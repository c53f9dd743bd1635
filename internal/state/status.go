// Package state persists per-video processing records and per-channel
// scan markers. Every status change goes through CanTransition, so a
// notified video can never be moved again.
package state

import (
	"errors"
	"fmt"
	"slices"
)

// Status is a step in the per-video pipeline.
type Status string

const (
	StatusPending          Status = "pending"
	StatusTranscriptOK     Status = "transcript_ok"
	StatusTranscriptFailed Status = "transcript_failed"
	StatusSummarized       Status = "summarized"
	StatusSummarizeFailed  Status = "summarize_failed"
	StatusNotified         Status = "notified"
	StatusFailed           Status = "failed"
)

// Statuses lists every status in pipeline order.
var Statuses = []Status{
	StatusPending, StatusTranscriptOK, StatusTranscriptFailed,
	StatusSummarized, StatusSummarizeFailed, StatusNotified, StatusFailed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return slices.Contains(Statuses, s) }

// Terminal reports whether a scan can move past a video in this status.
// Failed records are terminal for scanning but an operator may still
// reset them.
func (s Status) Terminal() bool { return s == StatusNotified || s == StatusFailed }

var (
	// ErrInvalidTransition is returned by Advance when the move is not
	// in the transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound is returned for an unknown video or channel id.
	ErrNotFound = errors.New("not found")
)

// forward lists the moves allowed within one attempt. Moves back to
// pending and same-status re-advances are handled by CanTransition.
var forward = map[Status][]Status{
	StatusPending:          {StatusTranscriptOK, StatusTranscriptFailed, StatusFailed},
	StatusTranscriptOK:     {StatusSummarized, StatusSummarizeFailed, StatusFailed},
	StatusTranscriptFailed: {StatusFailed},
	StatusSummarized:       {StatusNotified, StatusFailed},
	StatusSummarizeFailed:  {StatusFailed},
}

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// Error converts the guard result to an error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidTransition, r.Reason)
}

// CanTransition evaluates whether a record may move from one status to
// another.
// Rules:
// - notified is final
// - any other status may return to pending or re-record itself
// - otherwise the move must be in the forward table
func CanTransition(from, to Status) GuardResult {
	if !from.Valid() || !to.Valid() {
		return GuardResult{Reason: fmt.Sprintf("unknown status %q -> %q", from, to)}
	}
	if from == StatusNotified {
		return GuardResult{Reason: "video already notified"}
	}
	if to == StatusPending || to == from {
		return GuardResult{Allowed: true}
	}
	if slices.Contains(forward[from], to) {
		return GuardResult{Allowed: true}
	}
	return GuardResult{Reason: fmt.Sprintf("%s -> %s", from, to)}
}
