// Package api provides the HTTP submission layer for the execution kernel.
package api

import (
	"github.com/anthropics/exec-engine/internal/admission"
)

// SubmitResponse is the success envelope for the submission endpoints.
type SubmitResponse struct {
	Status  string `json:"status"`
	RunID   string `json:"run_id"`
	TraceID string `json:"trace_id"`
	FlowID  string `json:"flow_id"`
	DoneURI string `json:"done_uri"`
}

// ErrorResponse is the failure envelope. Validation failures carry the full
// structured batch in Errors; every other failure (malformed descriptor or
// internal error) carries a single message in Error.
type ErrorResponse struct {
	Status string                      `json:"status"`
	Errors []admission.ValidationError `json:"errors,omitempty"`
	Error  string                      `json:"error,omitempty"`
}

// ResultToResponse converts an admission result to the success envelope.
func ResultToResponse(result *admission.Result) *SubmitResponse {
	return &SubmitResponse{
		Status:  "ok",
		RunID:   string(result.RunID),
		TraceID: string(result.TraceID),
		FlowID:  string(result.FlowID),
		DoneURI: result.DoneURI,
	}
}
