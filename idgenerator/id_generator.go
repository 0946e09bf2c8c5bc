// Package idgenerator assigns connection identifiers to sessions. Identities
// come either from a monotonic counter or from random UUID tokens; both are
// unique within a process regardless of how fast connections arrive.
package idgenerator

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces session identifiers. Implementations are safe for
// concurrent use.
type Generator interface {
	// Next returns a fresh identifier.
	Next() string
}

// Strategy names accepted by New.
const (
	StrategyCounter = "counter"
	StrategyUUID    = "uuid"
)

// IdGenerator generates monotonically increasing identifiers. The first Next
// after NewIdGenerator(start) returns start+1.
type IdGenerator struct {
	id atomic.Uint64
}

// NewIdGenerator creates a counter generator starting at startValue.
//
// Parameters:
//   - startValue: Initial counter value; the first id is startValue+1
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next numeric id.
func (g *IdGenerator) Id() uint64 {
	return g.id.Add(1)
}

// Next implements Generator.
func (g *IdGenerator) Next() string {
	return strconv.FormatUint(g.Id(), 10)
}

// UUIDGenerator produces random version 4 UUID tokens.
type UUIDGenerator struct{}

// Next implements Generator.
func (UUIDGenerator) Next() string {
	return uuid.NewString()
}

// New returns the generator for the named strategy.
//
// Returns:
//   - The generator, or an error for an unknown strategy
func New(strategy string) (Generator, error) {
	switch strategy {
	case "", StrategyCounter:
		return NewIdGenerator(0), nil
	case StrategyUUID:
		return UUIDGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown id strategy %q", strategy)
	}
}
