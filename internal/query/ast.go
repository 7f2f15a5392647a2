// Package query implements docstore's query grammar (spec §4.5): parsing
// a JSON query document into an AST, matching a single document against
// it, and planning which secondary indexes can narrow the candidate set
// before the residual filter runs.
//
// Grounded in the teacher's internal/query/ast.go (Operator, Node,
// FieldNode/LogicalNode, Parse, Matches), generalized from the teacher's
// map[string]interface{} documents and fmt.Sprintf-based equality to
// docstore's typed document.Value tree and document.Compare, and extended
// with $nin, $exists, and $not, which the teacher's grammar lacked.
package query

import (
	"fmt"

	"github.com/bunbase/docstore/internal/document"
)

// Operator identifies a comparison or set-membership test on one field.
type Operator string

const (
	OpEq     Operator = "$eq"
	OpNe     Operator = "$ne"
	OpGt     Operator = "$gt"
	OpGte    Operator = "$gte"
	OpLt     Operator = "$lt"
	OpLte    Operator = "$lte"
	OpIn     Operator = "$in"
	OpNin    Operator = "$nin"
	OpExists Operator = "$exists"
)

// Node is any node of a parsed query: a single field test or a boolean
// composition of sub-nodes.
type Node interface {
	Matches(doc *document.Document) bool
}

// FieldNode tests one field (possibly a dotted nested path) against a
// single operator.
type FieldNode struct {
	Field    string
	Operator Operator
	Value    document.Value   // operand for $eq/$ne/$gt/$gte/$lt/$lte
	Set      []document.Value // operand for $in/$nin
	Exists   bool             // operand for $exists
}

// AndNode matches when every child matches.
type AndNode struct{ Children []Node }

// OrNode matches when any child matches.
type OrNode struct{ Children []Node }

// NotNode matches when its child does not.
type NotNode struct{ Child Node }

func (n *AndNode) Matches(doc *document.Document) bool {
	for _, c := range n.Children {
		if !c.Matches(doc) {
			return false
		}
	}
	return true
}

func (n *OrNode) Matches(doc *document.Document) bool {
	for _, c := range n.Children {
		if c.Matches(doc) {
			return true
		}
	}
	return false
}

func (n *NotNode) Matches(doc *document.Document) bool {
	return !n.Child.Matches(doc)
}

func (n *FieldNode) Matches(doc *document.Document) bool {
	val, exists := document.GetPath(doc, n.Field)

	if n.Operator == OpExists {
		return exists == n.Exists
	}
	if !exists {
		return false
	}

	switch n.Operator {
	case OpEq:
		return document.Equal(val, n.Value)
	case OpNe:
		return !document.Equal(val, n.Value)
	case OpGt:
		return document.Compare(val, n.Value) > 0
	case OpGte:
		return document.Compare(val, n.Value) >= 0
	case OpLt:
		return document.Compare(val, n.Value) < 0
	case OpLte:
		return document.Compare(val, n.Value) <= 0
	case OpIn:
		for _, v := range n.Set {
			if document.Equal(val, v) {
				return true
			}
		}
		return false
	case OpNin:
		for _, v := range n.Set {
			if document.Equal(val, v) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Parse compiles a query document (e.g. {"age": {"$gt": 25}, "status":
// "active"}) into an AST. Implicit top-level conjunction: every key of q
// is AND-ed together.
func Parse(q *document.Document) (Node, error) {
	and := &AndNode{}
	for _, key := range q.Keys() {
		val, _ := q.Get(key)

		switch key {
		case "$and", "$or":
			children, err := parseNodeList(val)
			if err != nil {
				return nil, fmt.Errorf("query: %s: %w", key, err)
			}
			if key == "$and" {
				and.Children = append(and.Children, &AndNode{Children: children})
			} else {
				and.Children = append(and.Children, &OrNode{Children: children})
			}
		case "$not":
			if val.Kind() != document.KindObject {
				return nil, fmt.Errorf("query: $not requires an object operand")
			}
			child, err := Parse(val.AsObject())
			if err != nil {
				return nil, err
			}
			and.Children = append(and.Children, &NotNode{Child: child})
		default:
			node, err := parseField(key, val)
			if err != nil {
				return nil, err
			}
			and.Children = append(and.Children, node)
		}
	}
	return and, nil
}

func parseNodeList(val document.Value) ([]Node, error) {
	if val.Kind() != document.KindArray {
		return nil, fmt.Errorf("operand must be an array of query objects")
	}
	nodes := make([]Node, 0, len(val.AsArray()))
	for _, elem := range val.AsArray() {
		if elem.Kind() != document.KindObject {
			return nil, fmt.Errorf("each element must be a query object")
		}
		n, err := Parse(elem.AsObject())
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func parseField(field string, val document.Value) (Node, error) {
	if val.Kind() != document.KindObject {
		return &FieldNode{Field: field, Operator: OpEq, Value: val}, nil
	}

	obj := val.AsObject()
	// A field value that is itself an object with no operator-looking
	// keys is an equality match against that whole sub-document.
	hasOperator := false
	for _, k := range obj.Keys() {
		if len(k) > 0 && k[0] == '$' {
			hasOperator = true
			break
		}
	}
	if !hasOperator {
		return &FieldNode{Field: field, Operator: OpEq, Value: val}, nil
	}

	and := &AndNode{}
	for _, opKey := range obj.Keys() {
		opVal, _ := obj.Get(opKey)
		op := Operator(opKey)
		switch op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
			and.Children = append(and.Children, &FieldNode{Field: field, Operator: op, Value: opVal})
		case OpIn, OpNin:
			if opVal.Kind() != document.KindArray {
				return nil, fmt.Errorf("query: %s requires an array operand", opKey)
			}
			and.Children = append(and.Children, &FieldNode{Field: field, Operator: op, Set: opVal.AsArray()})
		case OpExists:
			and.Children = append(and.Children, &FieldNode{Field: field, Operator: OpExists, Exists: opVal.AsBool()})
		default:
			return nil, fmt.Errorf("query: unknown operator %q", opKey)
		}
	}
	if len(and.Children) == 1 {
		return and.Children[0], nil
	}
	return and, nil
}
