// Package storage defines the document store the project snapshot lives in.
package storage

import "context"

// Store is a single persisted document of type T.
type Store[T any] interface {
	// With loads the document under the lock and passes it to fn read-only.
	With(ctx context.Context, fn func(*T) error) error
	// Update loads the document under the lock, lets fn mutate it and
	// writes it back when fn succeeds.
	Update(ctx context.Context, fn func(*T) error) error
}

// Initer is implemented by documents that need defaults filled in after
// loading, such as nil maps.
type Initer interface {
	Init()
}
