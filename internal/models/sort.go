package models

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// CompareSortValues orders SortValue results. Nil sorts before any value and
// values of unrelated types compare equal.
func CompareSortValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	switch av := a.(type) {
	case int64:
		if bv, ok := b.(int64); ok {
			return cmp.Compare(av, bv)
		}
	case int:
		if bv, ok := b.(int); ok {
			return cmp.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return cmp.Compare(av, bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	}
	return 0
}

// SortEntities stable-sorts s by the given field. An empty field leaves s untouched.
func SortEntities[E Entity](s []E, sortBy string, dir SortDirection) {
	if sortBy == "" {
		return
	}
	desc := dir.Desc()
	slices.SortStableFunc(s, func(a, b E) int {
		r := CompareSortValues(a.SortValue(sortBy), b.SortValue(sortBy))
		if desc {
			return -r
		}
		return r
	})
}

// Window returns the [offset, offset+size) slice of s. A non-positive size
// means everything after offset.
func Window[E any](s []E, offset, size int) []E {
	start := min(max(offset, 0), len(s))
	end := len(s)
	if size > 0 {
		end = min(start+size, len(s))
	}
	return s[start:end]
}
