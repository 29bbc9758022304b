package core

import (
	"context"

	"flashkv/pkg/nor"
)

// Shared serializes access to one Storage from many goroutines.
type Shared[F nor.Flash] struct {
	sem chan struct{}
	s   *Storage[F]
}

func NewShared[F nor.Flash](s *Storage[F]) *Shared[F] {
	return &Shared[F]{
		sem: make(chan struct{}, 1),
		s:   s,
	}
}

// Do runs fn with exclusive use of the storage. It gives up if ctx ends
// while waiting for another caller.
func (sh *Shared[F]) Do(ctx context.Context, fn func(ctx context.Context, s *Storage[F]) error) error {
	select {
	case sh.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sh.sem }()
	return fn(ctx, sh.s)
}
