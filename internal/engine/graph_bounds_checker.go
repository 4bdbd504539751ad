package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxHops  = 2
	maxAllowedHops  = 5
	defaultMaxNodes = 500
)

// errBoundsExceeded stops a traversal early. Traversals translate it into a
// truncated (but successful) result.
var errBoundsExceeded = errors.New("traversal bounds exceeded")

// TraversalBounds limits relational traversal.
type TraversalBounds struct {
	// MaxHops is the maximum distance from a seed entity (default 2, max 5).
	MaxHops int

	// MaxNodes caps the number of entities expanded (default 500).
	MaxNodes int

	// Timeout caps wall-clock time; zero relies on the caller's context.
	Timeout time.Duration
}

// Normalize fills defaults and clamps out-of-range values.
func (b *TraversalBounds) Normalize() {
	if b.MaxHops <= 0 {
		b.MaxHops = defaultMaxHops
	}
	if b.MaxHops > maxAllowedHops {
		b.MaxHops = maxAllowedHops
	}
	if b.MaxNodes <= 0 {
		b.MaxNodes = defaultMaxNodes
	}
	if b.Timeout < 0 {
		b.Timeout = 0
	}
}

// boundsChecker tracks traversal progress against TraversalBounds.
type boundsChecker struct {
	bounds       TraversalBounds
	nodesVisited int
	startTime    time.Time
}

func newBoundsChecker(bounds TraversalBounds) *boundsChecker {
	bounds.Normalize()
	return &boundsChecker{bounds: bounds, startTime: time.Now()}
}

// canExpand checks context, node budget, depth and elapsed time before a
// new hop. Context errors are returned as-is; budget exhaustion returns
// errBoundsExceeded.
func (b *boundsChecker) canExpand(ctx context.Context, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth >= b.bounds.MaxHops {
		return fmt.Errorf("%w: max hops (%d)", errBoundsExceeded, b.bounds.MaxHops)
	}
	if b.nodesVisited >= b.bounds.MaxNodes {
		return fmt.Errorf("%w: max nodes (%d)", errBoundsExceeded, b.bounds.MaxNodes)
	}
	if b.bounds.Timeout > 0 {
		if elapsed := time.Since(b.startTime); elapsed >= b.bounds.Timeout {
			return fmt.Errorf("%w: timeout (%v) after %v", errBoundsExceeded, b.bounds.Timeout, elapsed)
		}
	}
	return nil
}

func (b *boundsChecker) recordNodes(n int) {
	b.nodesVisited += n
}
