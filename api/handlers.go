package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/anthropics/exec-engine/contracts"
	"github.com/anthropics/exec-engine/internal/admission"
	"github.com/anthropics/exec-engine/internal/audit"
)

// maxRequestBodySize limits the size of incoming request bodies (4MB).
const maxRequestBodySize = 4 * 1024 * 1024

// Handlers contains the HTTP handler methods for the submission API.
type Handlers struct {
	pipeline *admission.Pipeline
	log      audit.Logger
}

// NewHandlers creates a Handlers instance.
func NewHandlers(pipeline *admission.Pipeline, log audit.Logger) *Handlers {
	return &Handlers{pipeline: pipeline, log: log}
}

// HandleInit handles POST /init: standard job submission.
func (h *Handlers) HandleInit(w http.ResponseWriter, r *http.Request) {
	desc, err := h.decode(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	h.submit(w, r, desc)
}

// HandleSSM handles POST /ssm: remote-agent-only job submission.
func (h *Handlers) HandleSSM(w http.ResponseWriter, r *http.Request) {
	desc, err := h.decode(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	for _, order := range desc.Orders {
		if order.ResolveTarget() != contracts.TargetRemoteAgent {
			WriteError(w, fmt.Errorf("endpoint accepts remote-agent orders only: %w", contracts.ErrInvalidDescriptor))
			return
		}
	}
	h.submit(w, r, desc)
}

func (h *Handlers) decode(r *http.Request) (*admission.Descriptor, error) {
	limitedReader := io.LimitReader(r.Body, maxRequestBodySize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", contracts.ErrInvalidDescriptor)
	}
	if len(body) > maxRequestBodySize {
		return nil, fmt.Errorf("request body too large (max %d bytes): %w", maxRequestBodySize, contracts.ErrInvalidDescriptor)
	}
	return admission.DecodeRequest(body)
}

func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, desc *admission.Descriptor) {
	result, err := h.pipeline.Submit(r.Context(), desc)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultToResponse(result))
}
