package document

import "strings"

// typeRank orders Kinds for cross-type comparisons and sort stability, the
// way MongoDB's BSON type-order does: null < bool < number < string <
// array < object.
func typeRank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindFloat:
		return 2
	case KindString:
		return 3
	case KindArray:
		return 4
	case KindObject:
		return 5
	default:
		return 6
	}
}

// Compare returns -1, 0 or 1 for a < b, a == b, a > b under docstore's
// type-aware ordering: numbers compare numerically across int/float,
// everything else compares within its own kind, and values of differing
// kinds fall back to typeRank order.
func Compare(a, b Value) int {
	af, aNum := a.Numeric()
	bf, bNum := b.Numeric()
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	if a.Kind() != b.Kind() {
		ra, rb := typeRank(a.Kind()), typeRank(b.Kind())
		switch {
		case ra < rb:
			return -1
		case ra > rb:
			return 1
		default:
			return 0
		}
	}

	switch a.Kind() {
	case KindNull:
		return 0
	case KindBool:
		if a.AsBool() == b.AsBool() {
			return 0
		}
		if !a.AsBool() {
			return -1
		}
		return 1
	case KindString:
		return strings.Compare(a.AsString(), b.AsString())
	case KindArray:
		aa, ba := a.AsArray(), b.AsArray()
		for i := 0; i < len(aa) && i < len(ba); i++ {
			if c := Compare(aa[i], ba[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(aa) < len(ba):
			return -1
		case len(aa) > len(ba):
			return 1
		default:
			return 0
		}
	case KindObject:
		// Objects only compare equal/unequal; order is by key count then
		// by the first differing key's value, stable but not meaningful
		// beyond grouping.
		ak, bk := a.AsObject().Keys(), b.AsObject().Keys()
		if len(ak) != len(bk) {
			if len(ak) < len(bk) {
				return -1
			}
			return 1
		}
		for _, k := range ak {
			av, _ := a.AsObject().Get(k)
			bv, ok := b.AsObject().Get(k)
			if !ok {
				return 1
			}
			if c := Compare(av, bv); c != 0 {
				return c
			}
		}
		return 0
	default:
		return 0
	}
}

// Equal reports whether a and b are equal under Compare's type-aware rules
// (spec §4.5: "equality (with type-aware numeric compare)").
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}
