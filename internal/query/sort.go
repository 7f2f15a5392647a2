package query

import (
	"sort"

	"github.com/bunbase/docstore/internal/document"
)

// SortSpec is one field:direction pair in a multi-key sort (spec §4.6's
// $sort stage reuses this for aggregation as well as plain find/sort).
type SortSpec struct {
	Field string
	Desc  bool
}

// SortDocuments stable-sorts docs in place by the given specs, applied in
// order (first spec is the primary key). Unlike the teacher's
// never-finished SortDocuments placeholder, this operates on docstore's
// typed Document directly rather than needing a generic/interface{}
// workaround, since query and document no longer have a package cycle.
func SortDocuments(docs []*document.Document, specs []SortSpec) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, spec := range specs {
			vi, _ := document.GetPath(docs[i], spec.Field)
			vj, _ := document.GetPath(docs[j], spec.Field)
			c := document.Compare(vi, vj)
			if c == 0 {
				continue
			}
			if spec.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
