// Package ledger records idempotency keys so each provider operation happens at most once.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"rebuttal/api/internal/store"
)

type Outcome int

const (
	// New means the caller owns the key and should perform the operation.
	New Outcome = iota
	// Duplicate means the key was reserved earlier; the operation must not be repeated.
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "new"
}

type Ledger interface {
	Reserve(ctx context.Context, provider, key string) (Outcome, error)
	Release(ctx context.Context, provider, key string) error
}

type keyStore interface {
	InsertIdempotencyKey(context.Context, string, string) error
	DeleteIdempotencyKey(context.Context, string, string) error
}

// Postgres keeps reservations in the idempotency_keys table. Built over a
// transaction-bound store it reserves atomically with the caller's other writes.
type Postgres struct {
	keys keyStore
}

func NewPostgres(keys keyStore) *Postgres {
	return &Postgres{keys: keys}
}

func (l *Postgres) Reserve(ctx context.Context, provider, key string) (Outcome, error) {
	err := l.keys.InsertIdempotencyKey(ctx, provider, key)
	if errors.Is(err, store.ErrDuplicate) {
		return Duplicate, nil
	}
	if err != nil {
		return New, fmt.Errorf("reserve %s/%s: %w", provider, key, err)
	}
	return New, nil
}

func (l *Postgres) Release(ctx context.Context, provider, key string) error {
	if err := l.keys.DeleteIdempotencyKey(ctx, provider, key); err != nil {
		return fmt.Errorf("release %s/%s: %w", provider, key, err)
	}
	return nil
}
