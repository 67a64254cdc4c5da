// Package repo provides a generic CRUD repository over Neo4j.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound reports that the requested entity does not exist. Callers can
// distinguish absence from infrastructure failure with errors.Is.
var ErrNotFound = errors.New("not found")

// Repository is a generic CRUD contract.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination for List.
type ListOpts struct {
	Offset int
	Limit  int
}
