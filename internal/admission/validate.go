package admission

import (
	"fmt"
	"strings"

	"github.com/anthropics/exec-engine/contracts"
)

// ValidationError is one structured admission failure.
type ValidationError struct {
	Order   string `json:"order,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	switch {
	case e.Order != "" && e.Field != "":
		return fmt.Sprintf("order %s: %s: %s", e.Order, e.Field, e.Message)
	case e.Order != "":
		return fmt.Sprintf("order %s: %s", e.Order, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors aggregates every failure found in one validation pass. The
// job is rejected as a whole; no orders are persisted.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.String()
	}
	return "invalid job: " + strings.Join(msgs, "; ")
}

// Validate checks the converted job against the admission rules. It
// accumulates every failure so the submitter sees the full batch.
func Validate(job *contracts.Job) ValidationErrors {
	var errs ValidationErrors
	if job.Submitter == "" {
		errs = append(errs, ValidationError{Field: "username", Message: "is required"})
	}
	if len(job.Orders) == 0 {
		errs = append(errs, ValidationError{Field: "orders", Message: "at least one order is required"})
		return errs
	}

	names := make(map[string]bool, len(job.Orders))
	for _, order := range job.Orders {
		if names[order.Name] {
			errs = append(errs, ValidationError{Order: order.Name, Field: "order_name", Message: "duplicate order name"})
		}
		names[order.Name] = true
	}

	for _, order := range job.Orders {
		errs = append(errs, validateOrder(order, names)...)
	}

	if err := checkAcyclic(job.Orders); err != nil {
		errs = append(errs, ValidationError{Field: "dependencies", Message: err.Error()})
	}
	return errs
}

func validateOrder(order *contracts.Order, names map[string]bool) ValidationErrors {
	var errs ValidationErrors

	if len(order.Cmds) == 0 {
		errs = append(errs, ValidationError{Order: order.Name, Field: "cmds", Message: "must not be empty"})
	}
	for _, cmd := range order.Cmds {
		if strings.TrimSpace(cmd) == "" {
			errs = append(errs, ValidationError{Order: order.Name, Field: "cmds", Message: "contains a blank command"})
			break
		}
	}
	if order.TimeoutS <= 0 {
		errs = append(errs, ValidationError{Order: order.Name, Field: "timeout_s", Message: "must be positive"})
	}
	if !order.Target.Valid() {
		errs = append(errs, ValidationError{Order: order.Name, Field: "execution_target", Message: "must be inline, container, or remote-agent"})
	}

	hasBundle := order.Source.BundleLocation != ""
	hasRepo := order.Source.Repo != ""
	switch {
	case hasBundle && hasRepo:
		errs = append(errs, ValidationError{Order: order.Name, Field: "source", Message: "bundle_location and repo are mutually exclusive"})
	case !hasBundle && !hasRepo:
		errs = append(errs, ValidationError{Order: order.Name, Field: "source", Message: "exactly one of bundle_location or repo is required"})
	case hasRepo && order.Source.TokenRef == "":
		errs = append(errs, ValidationError{Order: order.Name, Field: "source.token_ref", Message: "is required with repo"})
	}

	if order.Target == contracts.TargetRemoteAgent && len(order.Targets) == 0 {
		errs = append(errs, ValidationError{Order: order.Name, Field: "targets", Message: "remote-agent orders require at least one target"})
	}

	for _, dep := range order.Dependencies {
		if dep == order.Name {
			errs = append(errs, ValidationError{Order: order.Name, Field: "dependencies", Message: "order depends on itself"})
			continue
		}
		if !names[dep] {
			errs = append(errs, ValidationError{Order: order.Name, Field: "dependencies",
				Message: fmt.Sprintf("references unknown order %q", dep)})
		}
	}
	return errs
}

// checkAcyclic detects cycles in the dependency graph with DFS colour
// marking: white (unvisited), gray (visiting), black (visited).
func checkAcyclic(orders []*contracts.Order) error {
	deps := make(map[string][]string, len(orders))
	for _, order := range orders {
		deps[order.Name] = order.Dependencies
	}

	colors := make(map[string]int, len(deps))
	var visit func(name string) bool
	visit = func(name string) bool {
		colors[name] = 1 // gray
		for _, dep := range deps[name] {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[name] = 2 // black
		return false
	}

	for name := range deps {
		if colors[name] == 0 {
			if visit(name) {
				return contracts.ErrCycleDetected
			}
		}
	}
	return nil
}
