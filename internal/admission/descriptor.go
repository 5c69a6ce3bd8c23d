// Package admission implements the job admission pipeline: descriptor
// decoding, validation, per-order packaging, persistence, and the start
// signal.
package admission

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/exec-engine/contracts"
)

// DefaultJobTimeoutS is applied when the descriptor omits job_timeout_s.
const DefaultJobTimeoutS = 3600

// DefaultFlowLabel is applied when the descriptor omits flow_label.
const DefaultFlowLabel = "exec"

// Descriptor is the canonical JSON job descriptor.
type Descriptor struct {
	Username         string            `json:"username"`
	FlowLabel        string            `json:"flow_label,omitempty"`
	TraceID          string            `json:"trace_id,omitempty"`
	RunID            string            `json:"run_id,omitempty"`
	JobTimeoutS      int               `json:"job_timeout_s,omitempty"`
	PRReference      json.RawMessage   `json:"pr_reference,omitempty"`
	EncryptionKeyRef string            `json:"encryption_key_ref,omitempty"`
	Orders           []OrderDescriptor `json:"orders"`
}

// OrderDescriptor is one order within the descriptor.
type OrderDescriptor struct {
	OrderName       string            `json:"order_name,omitempty"`
	ExecutionTarget string            `json:"execution_target,omitempty"`
	UseLambda       *bool             `json:"use_lambda,omitempty"` // legacy; execution_target wins
	Cmds            []string          `json:"cmds"`
	TimeoutS        int               `json:"timeout_s"`
	MustSucceed     *bool             `json:"must_succeed,omitempty"`
	Dependencies    []string          `json:"dependencies,omitempty"`
	QueueID         string            `json:"queue_id,omitempty"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	ConfigPaths     []string          `json:"config_paths,omitempty"`
	SecretPaths     []string          `json:"secret_paths,omitempty"`
	Source          SourceDescriptor  `json:"source"`
	Targets         []string          `json:"targets,omitempty"`
	DocumentRef     string            `json:"document_ref,omitempty"`
	ProjectName     string            `json:"project_name,omitempty"`
	FunctionName    string            `json:"function_name,omitempty"`
}

// SourceDescriptor names the order's code source.
type SourceDescriptor struct {
	BundleLocation string `json:"bundle_location,omitempty"`
	Repo           string `json:"repo,omitempty"`
	TokenRef       string `json:"token_ref,omitempty"`
	Folder         string `json:"folder,omitempty"`
	Commit         string `json:"commit,omitempty"`
}

// envelope is the transport wrapper accepted by the submission endpoints.
type envelope struct {
	JobParametersB64 string `json:"job_parameters_b64"`
}

// DecodeRequest parses a submission body: either the base64 envelope or the
// raw descriptor JSON.
func DecodeRequest(body []byte) (*Descriptor, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.JobParametersB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(env.JobParametersB64)
		if err != nil {
			return nil, fmt.Errorf("decoding job_parameters_b64: %w", contracts.ErrInvalidDescriptor)
		}
		body = decoded
	}
	var desc Descriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return nil, fmt.Errorf("parsing job descriptor: %w", contracts.ErrInvalidDescriptor)
	}
	return &desc, nil
}

// ResolveTarget applies the legacy use_lambda mapping. execution_target is
// canonical and wins when both are present.
func (o *OrderDescriptor) ResolveTarget() contracts.ExecutionTarget {
	if o.ExecutionTarget != "" {
		return contracts.ExecutionTarget(o.ExecutionTarget)
	}
	if o.UseLambda != nil {
		if *o.UseLambda {
			return contracts.TargetInline
		}
		return contracts.TargetContainer
	}
	return ""
}

// ToJob allocates identifiers and converts the descriptor into a Job with
// queued orders. Submitter-supplied run/trace ids are adopted.
func (d *Descriptor) ToJob(now time.Time) *contracts.Job {
	runID := d.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	traceID := d.TraceID
	if traceID == "" {
		traceID = newTraceToken()
	}
	label := d.FlowLabel
	if label == "" {
		label = DefaultFlowLabel
	}
	timeoutS := d.JobTimeoutS
	if timeoutS <= 0 {
		timeoutS = DefaultJobTimeoutS
	}
	flowID := contracts.FlowID(fmt.Sprintf("%s:%s-%s", d.Username, traceID, label))

	job := &contracts.Job{
		RunID:       contracts.RunID(runID),
		TraceID:     contracts.TraceID(traceID),
		FlowID:      flowID,
		Submitter:   d.Username,
		TimeoutS:    timeoutS,
		PRReference: d.PRReference,
		KeyRef:      d.EncryptionKeyRef,
	}

	deadline := now.Add(time.Duration(timeoutS) * time.Second).UnixMilli()
	for i, od := range d.Orders {
		num := contracts.OrderNum(fmt.Sprintf("%04d", i+1))
		name := od.OrderName
		if name == "" {
			name = string(num)
		}
		mustSucceed := true
		if od.MustSucceed != nil {
			mustSucceed = *od.MustSucceed
		}
		job.Orders = append(job.Orders, &contracts.Order{
			RunID:        job.RunID,
			Num:          num,
			Name:         name,
			TraceID:      job.TraceID,
			FlowID:       job.FlowID,
			Target:       od.ResolveTarget(),
			Cmds:         od.Cmds,
			TimeoutS:     od.TimeoutS,
			MustSucceed:  mustSucceed,
			Dependencies: od.Dependencies,
			QueueID:      od.QueueID,
			Source: contracts.OrderSource{
				BundleLocation: od.Source.BundleLocation,
				Repo:           od.Source.Repo,
				TokenRef:       od.Source.TokenRef,
				Folder:         od.Source.Folder,
				Commit:         od.Source.Commit,
			},
			EnvVars:      od.EnvVars,
			ConfigPaths:  od.ConfigPaths,
			SecretPaths:  od.SecretPaths,
			Targets:      od.Targets,
			DocumentRef:  od.DocumentRef,
			ProjectName:  od.ProjectName,
			FunctionName: od.FunctionName,
			Submitter:    d.Username,
			JobDeadline:  deadline,
			PRReference:  d.PRReference,
			Status:       contracts.StatusQueued,
			CreatedAt:    now.UnixMilli(),
			ExpiresAt:    now.Add(contracts.OrderTTL).Unix(),
		})
	}
	return job
}

// newTraceToken returns the short random token shared by all legs of a run.
func newTraceToken() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the platform entropy source is broken;
		// fall back to a uuid fragment rather than aborting admission.
		return uuid.NewString()[:8]
	}
	return hex.EncodeToString(b[:])
}
