// Package agg implements the aggregation pipeline (AGG, spec §4.6):
// $match, $group, $sort, $limit, $skip, $project, $addFields, $unwind,
// evaluated left to right over a slice of documents. Each stage runs to
// completion over its whole input slice before the next stage starts;
// stages do not pull documents from one another one at a time. Grounded
// in the teacher's query package's general
// shape (an AST compiled once, then evaluated per document) but with no
// direct teacher analogue for pipeline staging, since the teacher never
// implemented aggregation; this package is built fresh in the teacher's
// idiom and reuses internal/query for $match and internal/document for
// values.
package agg

import (
	"fmt"

	"github.com/bunbase/docstore/internal/document"
	"github.com/bunbase/docstore/internal/query"
)

// Stage is one step of a compiled pipeline: given all upstream input
// documents, produce this stage's output documents. Every stage, blocking
// ($group, $sort) or not, is handed its full upstream slice and returns
// its full output, so the whole candidate set is held in memory between
// stages, matching the teacher's style of expressing query execution as
// whole-set transforms.
type Stage interface {
	Run(in []*document.Document) ([]*document.Document, error)
}

// Pipeline is a compiled, ordered sequence of stages.
type Pipeline struct {
	stages []Stage
}

// Compile builds a Pipeline from a decoded array of stage-spec documents,
// each a single-key object naming the stage ("$match", "$group", ...).
func Compile(stageSpecs []document.Value) (*Pipeline, error) {
	p := &Pipeline{}
	for i, spec := range stageSpecs {
		if spec.Kind() != document.KindObject || spec.AsObject().Len() != 1 {
			return nil, fmt.Errorf("agg: stage %d must be a single-key object", i)
		}
		name := spec.AsObject().Keys()[0]
		arg, _ := spec.AsObject().Get(name)

		stage, err := compileStage(name, arg)
		if err != nil {
			return nil, fmt.Errorf("agg: stage %d (%s): %w", i, name, err)
		}
		p.stages = append(p.stages, stage)
	}
	return p, nil
}

func compileStage(name string, arg document.Value) (Stage, error) {
	switch name {
	case "$match":
		if arg.Kind() != document.KindObject {
			return nil, fmt.Errorf("$match requires an object")
		}
		node, err := query.Parse(arg.AsObject())
		if err != nil {
			return nil, err
		}
		return &matchStage{node: node}, nil
	case "$sort":
		if arg.Kind() != document.KindObject {
			return nil, fmt.Errorf("$sort requires an object")
		}
		var specs []query.SortSpec
		for _, f := range arg.AsObject().Keys() {
			v, _ := arg.AsObject().Get(f)
			n, _ := v.Numeric()
			specs = append(specs, query.SortSpec{Field: f, Desc: n < 0})
		}
		return &sortStage{specs: specs}, nil
	case "$limit":
		n, ok := arg.Numeric()
		if !ok {
			return nil, fmt.Errorf("$limit requires a number")
		}
		return &limitStage{n: int(n)}, nil
	case "$skip":
		n, ok := arg.Numeric()
		if !ok {
			return nil, fmt.Errorf("$skip requires a number")
		}
		return &skipStage{n: int(n)}, nil
	case "$project":
		if arg.Kind() != document.KindObject {
			return nil, fmt.Errorf("$project requires an object")
		}
		return newProjectStage(arg.AsObject())
	case "$addFields":
		if arg.Kind() != document.KindObject {
			return nil, fmt.Errorf("$addFields requires an object")
		}
		return &addFieldsStage{spec: arg.AsObject()}, nil
	case "$unwind":
		return newUnwindStage(arg)
	case "$group":
		if arg.Kind() != document.KindObject {
			return nil, fmt.Errorf("$group requires an object")
		}
		return newGroupStage(arg.AsObject())
	case "$count":
		name, ok := arg.ToAny().(string)
		if !ok {
			return nil, fmt.Errorf("$count requires a string field name")
		}
		return &countStage{field: name}, nil
	default:
		return nil, fmt.Errorf("unknown stage %q", name)
	}
}

// Run executes every stage in order, feeding each stage's output to the
// next.
func (p *Pipeline) Run(docs []*document.Document) ([]*document.Document, error) {
	cur := docs
	for _, stage := range p.stages {
		out, err := stage.Run(cur)
		if err != nil {
			return nil, err
		}
		cur = out
	}
	return cur, nil
}
