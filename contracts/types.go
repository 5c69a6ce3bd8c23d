// Package contracts defines the core types and ports of the execution kernel.
package contracts

// RunID uniquely identifies a submitted job (alias: job id).
type RunID string

// OrderNum is the zero-padded sequence position of an order within a run
// (e.g. "0001"). The reserved value "0000" denotes the start signal.
type OrderNum string

// StartOrderNum is the sentinel order number written by admission to trigger
// the first orchestrator invocation.
const StartOrderNum OrderNum = "0000"

// TraceID is the short random token shared by all legs of a run.
type TraceID string

// FlowID is the human-readable identifier "<user>:<trace>-<label>".
type FlowID string

// HolderID identifies a single orchestrator invocation holding a run lock.
type HolderID string

// ExecutionTarget selects the backend an order is dispatched to.
type ExecutionTarget string

const (
	TargetInline      ExecutionTarget = "inline"
	TargetContainer   ExecutionTarget = "container"
	TargetRemoteAgent ExecutionTarget = "remote-agent"
)

// Valid reports whether t is one of the three known backends.
func (t ExecutionTarget) Valid() bool {
	switch t {
	case TargetInline, TargetContainer, TargetRemoteAgent:
		return true
	}
	return false
}

// JobEventName is the reserved order name for job-level events.
const JobEventName = "_job"
