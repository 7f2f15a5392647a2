// Package rules implements per-collection CEL authorization predicates
// (spec's access-control collaborator, SPEC_FULL DOMAIN STACK): a
// collection may carry a rule expression evaluated before a read or write
// reaches the storage core. Grounded in and adapted from the teacher's
// rules/engine.go (RulesEngine, AuthContext/RuleContext, Evaluate),
// renamed and narrowed to docstore's request shape (operation + collection
// + document) instead of the teacher's Firestore-like request/resource
// split, and with caching/compile-once behavior kept identical.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
)

// Operation identifies the kind of access a rule is guarding.
type Operation string

const (
	OpRead   Operation = "read"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// AuthContext carries the authenticated principal's identity and claims
// into rule evaluation, populated from a connection's SCRAM handshake
// (security.User), if any.
type AuthContext struct {
	UID     string
	Claims  map[string]interface{}
	IsAdmin bool
}

// Context is everything a compiled rule expression can see: the caller's
// identity, the operation being attempted, the collection name, and —
// for operations that carry one — the document involved.
type Context struct {
	Auth       *AuthContext
	Operation  Operation
	Collection string
	Document   map[string]interface{}
}

func (c *Context) toCEL() map[string]interface{} {
	auth := map[string]interface{}{}
	if c.Auth != nil {
		auth["uid"] = c.Auth.UID
		auth["isAdmin"] = c.Auth.IsAdmin
		auth["claims"] = c.Auth.Claims
	}
	return map[string]interface{}{
		"request": map[string]interface{}{
			"auth":       auth,
			"operation":  string(c.Operation),
			"collection": c.Collection,
		},
		"resource": c.Document,
	}
}

// Engine compiles and evaluates CEL rule expressions, caching compiled
// programs per expression string so a hot collection's rule only ever
// parses once.
type Engine struct {
	env      *cel.Env
	prgCache sync.Map // map[string]cel.Program
}

// NewEngine builds a CEL environment exposing `request` (auth/operation/
// collection) and `resource` (the document, for read/update/delete rules)
// as dynamic-map variables.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("request", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("resource", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: build CEL env: %w", err)
	}
	return &Engine{env: env}, nil
}

// Evaluate compiles (or reuses a cached compile of) expression and runs it
// against ctx, returning whether the rule allows the access. An empty
// expression defaults to deny, matching the teacher's fail-closed default.
func (e *Engine) Evaluate(expression string, ctx *Context) (bool, error) {
	switch expression {
	case "":
		return false, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	var prg cel.Program
	if cached, ok := e.prgCache.Load(expression); ok {
		prg = cached.(cel.Program)
	} else {
		ast, issues := e.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("rules: compile: %w", issues.Err())
		}
		p, err := e.env.Program(ast)
		if err != nil {
			return false, fmt.Errorf("rules: program construction: %w", err)
		}
		prg = p
		e.prgCache.Store(expression, prg)
	}

	out, _, err := prg.Eval(ctx.toCEL())
	if err != nil {
		return false, fmt.Errorf("rules: eval: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rules: expression must evaluate to a bool, got %T", out.Value())
	}
	return result, nil
}
