package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/exec-engine/contracts"
)

func validOrder(name string, deps ...string) OrderDescriptor {
	return OrderDescriptor{
		OrderName:       name,
		ExecutionTarget: "inline",
		Cmds:            []string{"true"},
		TimeoutS:        30,
		Dependencies:    deps,
		Source:          SourceDescriptor{BundleLocation: "s3://bundles/" + name},
	}
}

func toJob(t *testing.T, orders ...OrderDescriptor) *contracts.Job {
	t.Helper()
	desc := &Descriptor{Username: "tester", Orders: orders}
	return desc.ToJob(time.Now())
}

func fieldsOf(errs ValidationErrors) []string {
	fields := make([]string, len(errs))
	for i, e := range errs {
		fields[i] = e.Field
	}
	return fields
}

func TestValidate_OK(t *testing.T) {
	job := toJob(t, validOrder("a"), validOrder("b", "a"))
	assert.Empty(t, Validate(job))
}

func TestValidate_MissingUsername(t *testing.T) {
	desc := &Descriptor{Orders: []OrderDescriptor{validOrder("a")}}
	errs := Validate(desc.ToJob(time.Now()))
	assert.Contains(t, fieldsOf(errs), "username")
}

func TestValidate_NoOrders(t *testing.T) {
	desc := &Descriptor{Username: "tester"}
	errs := Validate(desc.ToJob(time.Now()))
	require.Len(t, errs, 1)
	assert.Equal(t, "orders", errs[0].Field)
}

func TestValidate_OrderRules(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*OrderDescriptor)
		wantField string
	}{
		{
			name:      "empty cmds",
			mutate:    func(o *OrderDescriptor) { o.Cmds = nil },
			wantField: "cmds",
		},
		{
			name:      "blank command",
			mutate:    func(o *OrderDescriptor) { o.Cmds = []string{"true", "   "} },
			wantField: "cmds",
		},
		{
			name:      "non-positive timeout",
			mutate:    func(o *OrderDescriptor) { o.TimeoutS = 0 },
			wantField: "timeout_s",
		},
		{
			name:      "unknown target",
			mutate:    func(o *OrderDescriptor) { o.ExecutionTarget = "mainframe" },
			wantField: "execution_target",
		},
		{
			name: "both sources",
			mutate: func(o *OrderDescriptor) {
				o.Source.Repo = "org/repo"
				o.Source.TokenRef = "tok"
			},
			wantField: "source",
		},
		{
			name:      "no source",
			mutate:    func(o *OrderDescriptor) { o.Source = SourceDescriptor{} },
			wantField: "source",
		},
		{
			name: "repo without token",
			mutate: func(o *OrderDescriptor) {
				o.Source = SourceDescriptor{Repo: "org/repo"}
			},
			wantField: "source.token_ref",
		},
		{
			name: "remote-agent without targets",
			mutate: func(o *OrderDescriptor) {
				o.ExecutionTarget = "remote-agent"
				o.Targets = nil
			},
			wantField: "targets",
		},
		{
			name:      "unknown dependency",
			mutate:    func(o *OrderDescriptor) { o.Dependencies = []string{"ghost"} },
			wantField: "dependencies",
		},
		{
			name:      "self dependency",
			mutate:    func(o *OrderDescriptor) { o.Dependencies = []string{"a"} },
			wantField: "dependencies",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := validOrder("a")
			tt.mutate(&order)
			errs := Validate(toJob(t, order))
			require.NotEmpty(t, errs)
			assert.Contains(t, fieldsOf(errs), tt.wantField)
		})
	}
}

func TestValidate_DuplicateNames(t *testing.T) {
	errs := Validate(toJob(t, validOrder("a"), validOrder("a")))
	assert.Contains(t, fieldsOf(errs), "order_name")
}

func TestValidate_Cycle(t *testing.T) {
	errs := Validate(toJob(t,
		validOrder("a", "c"),
		validOrder("b", "a"),
		validOrder("c", "b"),
	))
	require.NotEmpty(t, errs)
	found := false
	for _, e := range errs {
		if e.Message == contracts.ErrCycleDetected.Error() {
			found = true
		}
	}
	assert.True(t, found, "expected a cycle error, got %v", errs)
}

func TestValidate_AccumulatesBatch(t *testing.T) {
	bad := validOrder("a")
	bad.Cmds = nil
	bad.TimeoutS = -1
	errs := Validate(toJob(t, bad))
	assert.GreaterOrEqual(t, len(errs), 2)
}
