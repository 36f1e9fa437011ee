package service

import (
	"fmt"
	"slices"
)

// ScopePolicy decides which scopes a password grant may receive.
type ScopePolicy struct {
	// Default is granted when the request names no scope.
	Default []string
	// Allowed bounds what may be requested. Empty means Default.
	Allowed []string
}

// Resolve returns the scopes to grant for a password grant request.
func (p ScopePolicy) Resolve(requested []string) ([]string, error) {
	requested = dedupe(requested)
	if len(requested) == 0 {
		return slices.Clone(p.Default), nil
	}
	allowed := p.Allowed
	if len(allowed) == 0 {
		allowed = p.Default
	}
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidScope, s)
		}
	}
	return requested, nil
}

// narrowScopes lets a refresh request drop scopes of the original grant but
// never add new ones.
func narrowScopes(original, requested []string) ([]string, error) {
	requested = dedupe(requested)
	if len(requested) == 0 {
		return original, nil
	}
	for _, s := range requested {
		if !slices.Contains(original, s) {
			return nil, fmt.Errorf("%w: %s was not granted", ErrInvalidScope, s)
		}
	}
	return requested, nil
}

// dedupe drops blanks and repeats, keeping first-seen order.
func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
