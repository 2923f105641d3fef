package kataribe

import "slices"

// Capability describes what a module can process and what services it requires.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
	Metadata         map[string]string
}

// InterestSet describes event selection criteria for capability negotiation
// and bus delivery filtering.
type InterestSet struct {
	Kinds     []EventKind
	Platforms []Platform
}

// Matches reports whether an event satisfies the declared interest set.
// An empty dimension matches everything.
func (i InterestSet) Matches(event *DisplayEvent) bool {
	if event == nil {
		return false
	}

	return dimensionMatches(i.Kinds, event.Kind) && dimensionMatches(i.Platforms, event.Platform)
}

// Allows reports whether this interest set can safely satisfy another filter.
// An empty filter dimension matches every event, so it is only allowed when
// the declared dimension is unbounded too.
func (i InterestSet) Allows(filter InterestSet) bool {
	return dimensionAllows(i.Kinds, filter.Kinds) && dimensionAllows(i.Platforms, filter.Platforms)
}

// Clone returns a copy whose slices are independent of the receiver's, so a
// caller mutating its filter after subscribing cannot change delivery.
func (i InterestSet) Clone() InterestSet {
	return InterestSet{
		Kinds:     slices.Clone(i.Kinds),
		Platforms: slices.Clone(i.Platforms),
	}
}

// dimensionMatches reports whether value is admitted by one interest
// dimension, treating an empty dimension as unbounded.
func dimensionMatches[T comparable](declared []T, value T) bool {
	if len(declared) == 0 {
		return true
	}

	return slices.Contains(declared, value)
}

// dimensionAllows reports whether a filter dimension stays within a declared
// one: a bounded declaration only admits bounded filters it fully contains.
func dimensionAllows[T comparable](declared, filter []T) bool {
	if len(declared) == 0 {
		return true
	}
	if len(filter) == 0 {
		return false
	}
	for _, item := range filter {
		if !slices.Contains(declared, item) {
			return false
		}
	}

	return true
}
