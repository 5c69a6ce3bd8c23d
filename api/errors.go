package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/anthropics/exec-engine/contracts"
	"github.com/anthropics/exec-engine/internal/admission"
)

// WriteError maps an admission failure to the HTTP error envelope:
// validation failures become 400 with the structured batch, malformed
// descriptors and invalid input become 400 with a single message, everything
// else becomes 500.
func WriteError(w http.ResponseWriter, err error) {
	var validationErrs admission.ValidationErrors
	if errors.As(err, &validationErrs) {
		writeJSON(w, http.StatusBadRequest, &ErrorResponse{
			Status: "error",
			Errors: validationErrs,
		})
		return
	}
	if errors.Is(err, contracts.ErrInvalidDescriptor) || errors.Is(err, contracts.ErrInvalidInput) {
		writeJSON(w, http.StatusBadRequest, &ErrorResponse{
			Status: "error",
			Error:  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, &ErrorResponse{
		Status: "error",
		Error:  err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already written; nothing useful left to do.
		_ = err
	}
}
