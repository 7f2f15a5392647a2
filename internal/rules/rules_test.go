package rules

import "testing"

func TestEvaluateAllowsOwner(t *testing.T) {
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := &Context{
		Auth:      &AuthContext{UID: "u1"},
		Operation: OpUpdate,
		Document:  map[string]interface{}{"owner": "u1"},
	}
	ok, err := e.Evaluate(`resource.owner == request.auth.uid`, ctx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Fatalf("expected owner rule to allow")
	}
}

func TestEvaluateDeniesNonOwner(t *testing.T) {
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := &Context{
		Auth:      &AuthContext{UID: "u2"},
		Operation: OpUpdate,
		Document:  map[string]interface{}{"owner": "u1"},
	}
	ok, err := e.Evaluate(`resource.owner == request.auth.uid`, ctx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ok {
		t.Fatalf("expected non-owner rule to deny")
	}
}

func TestEvaluateEmptyDefaultsDeny(t *testing.T) {
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ok, err := e.Evaluate("", &Context{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ok {
		t.Fatalf("expected empty expression to deny")
	}
}
