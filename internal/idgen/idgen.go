// Package idgen provides pluggable ID generation.
//
// Components that mint identifiers accept a Generator, so tests can swap in
// a deterministic one.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Random returns a Generator of RFC 9562 UUID v4 strings.
func Random() Generator {
	return uuid.NewString
}

// TimeOrdered returns a Generator of UUID v7 strings. Falls back to v4 if
// the clock source fails.
func TimeOrdered() Generator {
	return func() string {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.NewString()
		}
		return id.String()
	}
}

// Prefixed prepends a fixed prefix to every ID of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator of prefix1, prefix2, ... Safe for concurrent
// use; meant for tests.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}
