package query

import (
	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/sidx"
)

// PlanKind identifies how a Plan resolves to a candidate id set.
type PlanKind int

const (
	PlanFullScan PlanKind = iota
	PlanEquality
	PlanRange
	PlanUnion
)

// Plan is the planner's output for one query: how to obtain a candidate
// set of ids before the residual filter (spec §4.5) runs.
type Plan struct {
	Kind      PlanKind
	IndexName string
	Values    []document.Value // equality/composite key
	Lo, Hi    []document.Value // range bounds (either may be nil: open end)
	Children  []*Plan          // union branches ($in, $or)
}

// candidateFields is a lightweight index over a node tree: every
// top-level FieldNode this query directly AND's together, keyed by field
// name, plus whatever $or branches exist at the top level.
type candidateFields struct {
	eq    map[string]document.Value
	in    map[string][]document.Value
	rng   map[string][2]*document.Value // field -> [lo, hi], either may be nil
	orSet []Node
}

func collectTopLevel(n Node) candidateFields {
	cf := candidateFields{eq: map[string]document.Value{}, in: map[string][]document.Value{}, rng: map[string][2]*document.Value{}}
	and, ok := n.(*AndNode)
	if !ok {
		return cf
	}
	for _, child := range and.Children {
		switch c := child.(type) {
		case *FieldNode:
			switch c.Operator {
			case OpEq:
				cf.eq[c.Field] = c.Value
			case OpIn:
				cf.in[c.Field] = c.Set
			case OpGt, OpGte:
				bound := cf.rng[c.Field]
				v := c.Value
				bound[0] = &v
				cf.rng[c.Field] = bound
			case OpLt, OpLte:
				bound := cf.rng[c.Field]
				v := c.Value
				bound[1] = &v
				cf.rng[c.Field] = bound
			}
		case *OrNode:
			cf.orSet = append(cf.orSet, c.Children...)
		}
	}
	return cf
}

// Plan selects an access path for query against the given index
// definitions (name -> definition), following spec §4.5's planner rules:
// equality/unique lookup, range bounded scan, composite lookup, $in union
// of equality lookups, $or union of sub-plans, else full scan. A
// composite index is used only when every one of its fields is bound by
// equality; a bound prefix alone, or a range on its last field, falls
// through to the other rules.
func PlanQuery(root Node, defs map[string]sidx.Definition) *Plan {
	cf := collectTopLevel(root)

	// Composite: an index whose every field has an equality binding,
	// resolved as a single-key range scan over the composite B+Tree.
	for name, def := range defs {
		if def.Kind != sidx.KindRange || len(def.Fields) < 2 {
			continue
		}
		values := make([]document.Value, 0, len(def.Fields))
		all := true
		for _, f := range def.Fields {
			v, ok := cf.eq[f]
			if !ok {
				all = false
				break
			}
			values = append(values, v)
		}
		if all {
			return &Plan{Kind: PlanRange, IndexName: name, Lo: values, Hi: values}
		}
	}

	// Single-field equality/unique.
	for name, def := range defs {
		if len(def.Fields) != 1 || (def.Kind != sidx.KindEquality && def.Kind != sidx.KindUnique) {
			continue
		}
		if v, ok := cf.eq[def.Fields[0]]; ok {
			return &Plan{Kind: PlanEquality, IndexName: name, Values: []document.Value{v}}
		}
	}

	// $in -> union of equality lookups against an Equality/Unique index.
	for name, def := range defs {
		if len(def.Fields) != 1 || (def.Kind != sidx.KindEquality && def.Kind != sidx.KindUnique) {
			continue
		}
		if set, ok := cf.in[def.Fields[0]]; ok {
			children := make([]*Plan, 0, len(set))
			for _, v := range set {
				children = append(children, &Plan{Kind: PlanEquality, IndexName: name, Values: []document.Value{v}})
			}
			return &Plan{Kind: PlanUnion, Children: children}
		}
	}

	// Single-field range.
	for name, def := range defs {
		if len(def.Fields) != 1 || def.Kind != sidx.KindRange {
			continue
		}
		if bound, ok := cf.rng[def.Fields[0]]; ok {
			p := &Plan{Kind: PlanRange, IndexName: name}
			if bound[0] != nil {
				p.Lo = []document.Value{*bound[0]}
			}
			if bound[1] != nil {
				p.Hi = []document.Value{*bound[1]}
			}
			return p
		}
	}

	// Top-level $or: plan each branch independently and union.
	if len(cf.orSet) > 0 {
		children := make([]*Plan, 0, len(cf.orSet))
		for _, branch := range cf.orSet {
			children = append(children, PlanQuery(branch, defs))
		}
		return &Plan{Kind: PlanUnion, Children: children}
	}

	return &Plan{Kind: PlanFullScan}
}
