package worker_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/worker"
)

func noop(ctx context.Context, role string, run *core.RunState) (*worker.StepResult, error) {
	return &worker.StepResult{}, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := worker.NewRegistry()

	d, err := r.Register(worker.Descriptor{
		Role:         "scheduler",
		Description:  "plans field crew assignments",
		Capabilities: []string{"scheduling"},
	}, noop)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.SuccessRate != 0.5 {
		t.Errorf("initial success rate = %v, want 0.5", d.SuccessRate)
	}
	if d.Scratch == nil {
		t.Error("scratch map not initialized")
	}

	got, err := r.Get("scheduler")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "plans field crew assignments" {
		t.Errorf("description = %q", got.Description)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := worker.NewRegistry()

	if _, err := r.Register(worker.Descriptor{Role: "scheduler"}, noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register(worker.Descriptor{Role: "scheduler"}, noop); err == nil {
		t.Fatal("duplicate register must fail")
	}
}

func TestRegisterRejectsEmptyRoleAndNilHandler(t *testing.T) {
	r := worker.NewRegistry()

	if _, err := r.Register(worker.Descriptor{}, noop); err == nil {
		t.Error("empty role must fail")
	}
	if _, err := r.Register(worker.Descriptor{Role: "x"}, nil); err == nil {
		t.Error("nil handler must fail")
	}
}

func TestGetUnknownRole(t *testing.T) {
	r := worker.NewRegistry()

	_, err := r.Get("nobody")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRolesPreserveRegistrationOrder(t *testing.T) {
	r := worker.NewRegistry()
	for _, role := range []string{"intake", "planner", "executor"} {
		if _, err := r.Register(worker.Descriptor{Role: role}, noop); err != nil {
			t.Fatalf("register %s: %v", role, err)
		}
	}

	roles := r.Roles()
	want := []string{"intake", "planner", "executor"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("roles[%d] = %q, want %q", i, roles[i], want[i])
		}
	}
}

func TestObserveMovingAverage(t *testing.T) {
	r := worker.NewRegistry()
	if _, err := r.Register(worker.Descriptor{Role: "flaky"}, noop); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Observe("flaky", true)
	r.Observe("flaky", false)

	d, _ := r.Get("flaky")
	// 0.5 -> 0.9*0.5+0.1 = 0.55 -> 0.9*0.55 = 0.495
	if math.Abs(d.SuccessRate-0.495) > 1e-9 {
		t.Errorf("success rate = %v, want 0.495", d.SuccessRate)
	}

	// Unknown roles are ignored, not created.
	r.Observe("nobody", true)
	if r.Has("nobody") {
		t.Error("observe must not create roles")
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	r := worker.NewRegistry()
	if _, err := r.Register(worker.Descriptor{Role: "steady"}, noop); err != nil {
		t.Fatalf("register: %v", err)
	}

	before, _ := r.Get("steady")
	r.Observe("steady", true)

	// The earlier snapshot must not see the update; a fresh Get must.
	if before.SuccessRate != 0.5 {
		t.Errorf("snapshot success rate = %v, want the 0.5 it was taken at", before.SuccessRate)
	}
	after, _ := r.Get("steady")
	if math.Abs(after.SuccessRate-0.55) > 1e-9 {
		t.Errorf("success rate = %v, want 0.55", after.SuccessRate)
	}

	// Mutating a snapshot never leaks back into the catalog.
	after.SuccessRate = 0
	again, _ := r.Get("steady")
	if math.Abs(again.SuccessRate-0.55) > 1e-9 {
		t.Errorf("catalog success rate = %v after snapshot mutation, want 0.55", again.SuccessRate)
	}
}
