// Package scope implements the set algebra used for delegation scopes.
//
// Scopes are opaque permission names such as "calendar:read". A Set is kept
// sorted and de-duplicated so that tokens built from the same grant always
// carry the same claim value.
package scope

import (
	"encoding/json"
	"sort"
	"strings"
)

// Set is a normalized, sorted list of unique scope names
type Set []string

// New normalizes names into a Set, dropping blanks and duplicates
func New(names ...string) Set {
	seen := make(map[string]struct{}, len(names))
	out := make(Set, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Parse splits a space delimited scope string, the OAuth wire form
func Parse(s string) Set {
	return New(strings.Fields(s)...)
}

// String renders the set in space delimited form
func (s Set) String() string {
	return strings.Join(s, " ")
}

// Contains reports whether name is in the set
func (s Set) Contains(name string) bool {
	i := sort.SearchStrings(s, name)
	return i < len(s) && s[i] == name
}

// IsSubsetOf reports whether every element of s is in other
func (s Set) IsSubsetOf(other Set) bool {
	for _, n := range s {
		if !other.Contains(n) {
			return false
		}
	}
	return true
}

// Intersect returns the elements present in both sets
func (s Set) Intersect(other Set) Set {
	out := make(Set, 0, len(s))
	for _, n := range s {
		if other.Contains(n) {
			out = append(out, n)
		}
	}
	return out
}

// Difference returns the elements of s missing from other
func (s Set) Difference(other Set) Set {
	out := make(Set, 0)
	for _, n := range s {
		if !other.Contains(n) {
			out = append(out, n)
		}
	}
	return out
}

// UnmarshalJSON normalizes a decoded list, so sets read from storage or
// token claims stay sorted for Contains
func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	if names == nil {
		*s = nil
		return nil
	}
	*s = New(names...)
	return nil
}
